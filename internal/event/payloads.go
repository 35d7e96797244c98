package event

import "time"

// JobCreated is published when a job posting is stored.
type JobCreated struct {
	JobID     string    `json:"jobId"`
	Title     string    `json:"title,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (p JobCreated) DedupKey() string { return p.JobID + "-created" }

// JobSubmitted is published when a job is handed to downstream processing.
type JobSubmitted struct {
	JobID       string    `json:"jobId"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

func (p JobSubmitted) DedupKey() string { return p.JobID + "-submitted" }

// ResumeSubmitted is published when a candidate resume is uploaded for a job.
type ResumeSubmitted struct {
	ResumeID    string    `json:"resumeId"`
	JobID       string    `json:"jobId"`
	CandidateID string    `json:"candidateId,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	Content     string    `json:"content,omitempty"`
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

func (p ResumeSubmitted) DedupKey() string { return p.ResumeID + "-submitted" }

// AnalysisCompleted is published by the analysis service for a resume.
type AnalysisCompleted struct {
	ResumeID string   `json:"resumeId"`
	JobID    string   `json:"jobId"`
	Score    float64  `json:"score"`
	Summary  string   `json:"summary,omitempty"`
	Skills   []string `json:"skills,omitempty"`
}

func (p AnalysisCompleted) DedupKey() string { return p.ResumeID + "-analysis-completed" }

// AnalysisFailed is published when the analysis service gives up on a resume.
type AnalysisFailed struct {
	ResumeID string `json:"resumeId"`
	JobID    string `json:"jobId"`
	Reason   string `json:"reason"`
}

func (p AnalysisFailed) DedupKey() string { return p.ResumeID + "-analysis-failed" }
