package event

import (
	"fmt"
	"strings"
)

// SchemaVersion is stamped on every envelope produced by this module.
const SchemaVersion = 1

// Subject is a routing key from the closed catalogue below. Publishing to an
// ad-hoc string is still possible through the publisher primitive, but domain
// code should only use these constants.
type Subject string

const (
	SubjectJobCreated        Subject = "job.created"
	SubjectJobSubmitted      Subject = "job.submitted"
	SubjectResumeSubmitted   Subject = "resume.submitted"
	SubjectAnalysisCompleted Subject = "analysis.completed"
	SubjectAnalysisFailed    Subject = "analysis.failed"
)

// Subjects returns the full catalogue, used to validate stream definitions at startup.
func Subjects() []Subject {
	return []Subject{
		SubjectJobCreated,
		SubjectJobSubmitted,
		SubjectResumeSubmitted,
		SubjectAnalysisCompleted,
		SubjectAnalysisFailed,
	}
}

func (s Subject) String() string {
	return string(s)
}

// EventType returns the versioned type tag carried in the envelope, e.g. "job.created.v1".
func (s Subject) EventType() string {
	return fmt.Sprintf("%s.v%d", s, SchemaVersion)
}

// ValidSubject reports whether s is a literal subject that can be published to:
// non-empty dot-separated tokens without wildcards or whitespace.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return false
		}
	}
	return true
}
