package topology

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrInvalidDefinition   = errors.New("invalid stream definition")
	ErrOverlappingSubjects = errors.New("stream subjects overlap")
	ErrUncapturedSubject   = errors.New("subject not captured by exactly one stream")
)

// DiscardPolicy decides what a full stream does with new messages.
type DiscardPolicy string

const (
	DiscardOld DiscardPolicy = "old"
	DiscardNew DiscardPolicy = "new"
)

// StorageType is the stream storage backend.
type StorageType string

const (
	FileStorage   StorageType = "file"
	MemoryStorage StorageType = "memory"
)

// StreamDefinition describes a durable stream and its retention.
type StreamDefinition struct {
	Name        string
	Subjects    []string
	MaxAge      time.Duration
	MaxMsgs     int64
	Discard     DiscardPolicy
	DedupWindow time.Duration
	Storage     StorageType
	Replicas    int
}

// Validate checks a single definition
func (d StreamDefinition) Validate() error {
	if d.Name == "" || strings.ContainsAny(d.Name, " \t.*>") {
		return fmt.Errorf("%w: bad stream name %q", ErrInvalidDefinition, d.Name)
	}
	if len(d.Subjects) == 0 {
		return fmt.Errorf("%w: stream %s has no subjects", ErrInvalidDefinition, d.Name)
	}
	for _, s := range d.Subjects {
		if !validPattern(s) {
			return fmt.Errorf("%w: stream %s has bad subject %q", ErrInvalidDefinition, d.Name, s)
		}
	}
	for i := range d.Subjects {
		for j := i + 1; j < len(d.Subjects); j++ {
			if PatternsOverlap(d.Subjects[i], d.Subjects[j]) {
				return fmt.Errorf("%w: stream %s subjects %q and %q overlap",
					ErrInvalidDefinition, d.Name, d.Subjects[i], d.Subjects[j])
			}
		}
	}
	switch d.Discard {
	case "", DiscardOld, DiscardNew:
	default:
		return fmt.Errorf("%w: stream %s has discard policy %q", ErrInvalidDefinition, d.Name, d.Discard)
	}
	switch d.Storage {
	case "", FileStorage, MemoryStorage:
	default:
		return fmt.Errorf("%w: stream %s has storage %q", ErrInvalidDefinition, d.Name, d.Storage)
	}
	if d.MaxAge < 0 || d.MaxMsgs < 0 || d.DedupWindow < 0 || d.Replicas < 0 {
		return fmt.Errorf("%w: stream %s has negative limits", ErrInvalidDefinition, d.Name)
	}
	if d.MaxAge > 0 && d.DedupWindow > d.MaxAge {
		return fmt.Errorf("%w: stream %s dedup window %s exceeds max age %s",
			ErrInvalidDefinition, d.Name, d.DedupWindow, d.MaxAge)
	}
	return nil
}

// StreamConfig maps the definition onto a JetStream stream config
func (d StreamDefinition) StreamConfig() jetstream.StreamConfig {
	cfg := jetstream.StreamConfig{
		Name:       d.Name,
		Subjects:   append([]string(nil), d.Subjects...),
		MaxAge:     d.MaxAge,
		MaxMsgs:    d.MaxMsgs,
		Duplicates: d.DedupWindow,
		Retention:  jetstream.LimitsPolicy,
		Discard:    jetstream.DiscardOld,
		Storage:    jetstream.FileStorage,
		Replicas:   d.Replicas,
	}
	if cfg.MaxMsgs == 0 {
		cfg.MaxMsgs = -1
	}
	if d.Discard == DiscardNew {
		cfg.Discard = jetstream.DiscardNew
	}
	if d.Storage == MemoryStorage {
		cfg.Storage = jetstream.MemoryStorage
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	return cfg
}

// Validate checks that definitions are individually valid, that patterns of
// different streams are disjoint and that every subject is captured by
// exactly one stream.
func Validate(defs []StreamDefinition, subjects []string) error {
	names := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("%w: stream %s declared twice", ErrInvalidDefinition, d.Name)
		}
		names[d.Name] = struct{}{}
	}

	for i := range defs {
		for j := i + 1; j < len(defs); j++ {
			for _, a := range defs[i].Subjects {
				for _, b := range defs[j].Subjects {
					if PatternsOverlap(a, b) {
						return fmt.Errorf("%w: %s (%s) and %s (%s)",
							ErrOverlappingSubjects, a, defs[i].Name, b, defs[j].Name)
					}
				}
			}
		}
	}

	for _, subject := range subjects {
		if n := len(StreamsFor(defs, subject)); n != 1 {
			return fmt.Errorf("%w: %s matches %d streams", ErrUncapturedSubject, subject, n)
		}
	}
	return nil
}

// StreamsFor returns the names of the streams capturing subject
func StreamsFor(defs []StreamDefinition, subject string) []string {
	var names []string
	for _, d := range defs {
		for _, p := range d.Subjects {
			if MatchSubject(p, subject) {
				names = append(names, d.Name)
				break
			}
		}
	}
	return names
}

// MatchSubject reports whether a literal subject matches pattern. A "*"
// token matches exactly one token and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// PatternsOverlap reports whether some literal subject matches both patterns.
func PatternsOverlap(a, b string) bool {
	at := strings.Split(a, ".")
	bt := strings.Split(b, ".")

	for i := 0; i < len(at) && i < len(bt); i++ {
		if at[i] == ">" || bt[i] == ">" {
			return true
		}
		if at[i] != "*" && bt[i] != "*" && at[i] != bt[i] {
			return false
		}
	}
	return len(at) == len(bt)
}

func validPattern(p string) bool {
	if p == "" || strings.ContainsAny(p, " \t\r\n") {
		return false
	}
	tokens := strings.Split(p, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return false
		case tok == ">":
			if i != len(tokens)-1 {
				return false
			}
		case tok == "*":
		case strings.ContainsAny(tok, "*>"):
			return false
		}
	}
	return true
}
