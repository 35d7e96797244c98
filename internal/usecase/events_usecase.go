package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moroshma/eventrelay/internal/correlation"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/publisher"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// ErrAnalysisFailed is returned when the analysis service reports a failure
var ErrAnalysisFailed = errors.New("resume analysis failed")

// EventPublisher defines the interface for publishing events
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any, opts ...publisher.Option) publisher.Result
}

// Expectation is a registered wait for one event
type Expectation interface {
	Wait(ctx context.Context, timeout time.Duration) (*event.Envelope, error)
	Cancel()
}

// ReplyWaiter defines the interface for registering correlations
type ReplyWaiter interface {
	Expect(subject string, pred correlation.Predicate) (Expectation, error)
}

// PendingExpecter is satisfied by the correlation waiter and the app bus
type PendingExpecter interface {
	Expect(subject string, pred correlation.Predicate) (*correlation.Pending, error)
}

type pendingWaiter struct {
	expecter PendingExpecter
}

func (w pendingWaiter) Expect(subject string, pred correlation.Predicate) (Expectation, error) {
	p, err := w.expecter.Expect(subject, pred)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WaiterFrom adapts a correlation waiter to ReplyWaiter
func WaiterFrom(e PendingExpecter) ReplyWaiter {
	return pendingWaiter{expecter: e}
}

// EventsUseCase publishes the domain events of the hiring pipeline
type EventsUseCase struct {
	publisher EventPublisher
	waiter    ReplyWaiter
	logger    *logger.Logger
}

// NewEventsUseCase creates a new events use case
func NewEventsUseCase(pub EventPublisher, waiter ReplyWaiter, log *logger.Logger) *EventsUseCase {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventsUseCase{
		publisher: pub,
		waiter:    waiter,
		logger:    log.Component("events"),
	}
}

// PublishJobCreated announces a stored job posting
func (uc *EventsUseCase) PublishJobCreated(ctx context.Context, p event.JobCreated) (publisher.Result, error) {
	if p.JobID == "" {
		return publisher.Result{}, fmt.Errorf("job id cannot be empty")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return uc.publish(ctx, event.SubjectJobCreated, p)
}

// PublishJobSubmitted hands a job to downstream processing
func (uc *EventsUseCase) PublishJobSubmitted(ctx context.Context, p event.JobSubmitted) (publisher.Result, error) {
	if p.JobID == "" {
		return publisher.Result{}, fmt.Errorf("job id cannot be empty")
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	return uc.publish(ctx, event.SubjectJobSubmitted, p)
}

// PublishResumeSubmitted announces an uploaded resume
func (uc *EventsUseCase) PublishResumeSubmitted(ctx context.Context, p event.ResumeSubmitted) (publisher.Result, error) {
	if err := validateResume(p); err != nil {
		return publisher.Result{}, err
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	return uc.publish(ctx, event.SubjectResumeSubmitted, p)
}

// PublishAnalysisCompleted reports the analysis result for a resume
func (uc *EventsUseCase) PublishAnalysisCompleted(ctx context.Context, p event.AnalysisCompleted) (publisher.Result, error) {
	if p.ResumeID == "" {
		return publisher.Result{}, fmt.Errorf("resume id cannot be empty")
	}
	return uc.publish(ctx, event.SubjectAnalysisCompleted, p, publisher.WithCorrelationID(p.ResumeID))
}

// PublishAnalysisFailed reports that a resume could not be analysed
func (uc *EventsUseCase) PublishAnalysisFailed(ctx context.Context, p event.AnalysisFailed) (publisher.Result, error) {
	if p.ResumeID == "" {
		return publisher.Result{}, fmt.Errorf("resume id cannot be empty")
	}
	return uc.publish(ctx, event.SubjectAnalysisFailed, p, publisher.WithCorrelationID(p.ResumeID))
}

// SubmitResumeAndAwaitAnalysis publishes resume.submitted and blocks until the
// analysis service answers for that resume. The waits are registered before
// publishing so a fast reply is not missed. An analysis.failed reply returns
// ErrAnalysisFailed.
func (uc *EventsUseCase) SubmitResumeAndAwaitAnalysis(ctx context.Context, p event.ResumeSubmitted, timeout time.Duration) (*event.AnalysisCompleted, error) {
	if err := validateResume(p); err != nil {
		return nil, err
	}

	forResume := correlation.FieldEquals("resumeId", p.ResumeID)
	completed, err := uc.waiter.Expect(event.SubjectAnalysisCompleted.String(), forResume)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for analysis: %w", err)
	}
	defer completed.Cancel()

	failed, err := uc.waiter.Expect(event.SubjectAnalysisFailed.String(), forResume)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for analysis: %w", err)
	}
	defer failed.Cancel()

	if _, err := uc.PublishResumeSubmitted(ctx, p); err != nil {
		return nil, err
	}

	type reply struct {
		env    *event.Envelope
		err    error
		failed bool
	}
	replies := make(chan reply, 2)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		env, err := completed.Wait(waitCtx, timeout)
		replies <- reply{env: env, err: err}
	}()
	go func() {
		env, err := failed.Wait(waitCtx, timeout)
		replies <- reply{env: env, err: err, failed: true}
	}()

	var first error
	for i := 0; i < 2; i++ {
		r := <-replies
		if r.err != nil {
			if first == nil || errors.Is(first, context.Canceled) {
				first = r.err
			}
			continue
		}
		cancel()

		if r.failed {
			var f event.AnalysisFailed
			if err := r.env.Bind(&f); err != nil {
				return nil, fmt.Errorf("%w: undecodable failure report: %v", ErrAnalysisFailed, err)
			}
			return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, f.Reason)
		}

		var out event.AnalysisCompleted
		if err := r.env.Bind(&out); err != nil {
			return nil, fmt.Errorf("failed to decode analysis result: %w", err)
		}
		uc.logger.Info("Resume analysis received",
			logger.String("resume_id", p.ResumeID),
			logger.Any("score", out.Score),
		)
		return &out, nil
	}

	uc.logger.Warn("No analysis received for resume",
		logger.String("resume_id", p.ResumeID),
		logger.Error(first),
	)
	return nil, fmt.Errorf("failed to wait for analysis: %w", first)
}

func (uc *EventsUseCase) publish(ctx context.Context, subject event.Subject, payload any, opts ...publisher.Option) (publisher.Result, error) {
	res := uc.publisher.Publish(ctx, subject.String(), payload, opts...)
	if err := res.Err(); err != nil {
		uc.logger.Error("Failed to publish event",
			logger.String("subject", subject.String()),
			logger.String("reason", string(res.Reason)),
			logger.Error(err),
		)
		return res, fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	uc.logger.Debug("Event published",
		logger.String("subject", subject.String()),
		logger.String("message_id", res.MessageID),
		logger.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

func validateResume(p event.ResumeSubmitted) error {
	if p.ResumeID == "" {
		return fmt.Errorf("resume id cannot be empty")
	}
	if p.JobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	return nil
}
