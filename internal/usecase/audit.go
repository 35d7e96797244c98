package usecase

import (
	"context"
	"strings"

	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/subscriber"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// Subscriber defines the interface for registering durable handlers
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler subscriber.Handler, opts subscriber.Options) (*subscriber.Subscription, error)
}

// AuditDurable is the durable consumer name auditing subject
func AuditDurable(subject string) string {
	return "audit-" + strings.ReplaceAll(subject, ".", "-")
}

// AuditHandler logs every delivered event and acknowledges it
func AuditHandler(log *logger.Logger) subscriber.Handler {
	log = log.Component("audit")
	return func(_ context.Context, env *event.Envelope, md subscriber.Metadata) error {
		fields := []logger.Field{
			logger.String("subject", env.Subject),
			logger.String("id", env.ID),
			logger.String("type", env.Type),
			logger.String("source", env.Source),
			logger.String("stream", md.Stream),
			logger.Uint64("sequence", md.StreamSequence),
			logger.Uint64("delivered", md.NumDelivered),
		}
		if env.CorrelationID != "" {
			fields = append(fields, logger.String("correlation_id", env.CorrelationID))
		}
		if env.PayloadRef != nil {
			fields = append(fields, logger.String("payload_ref", env.PayloadRef.Key))
		}
		log.Info("Event received", fields...)
		return nil
	}
}

// StartAudit subscribes the audit handler to every subject of the catalogue.
// Subscriptions that fail are logged and skipped.
func StartAudit(ctx context.Context, sub Subscriber, group string, log *logger.Logger) []*subscriber.Subscription {
	if log == nil {
		log = logger.NewNop()
	}
	handler := AuditHandler(log)

	var subs []*subscriber.Subscription
	for _, subject := range event.Subjects() {
		s, err := sub.Subscribe(ctx, subject.String(), handler, subscriber.Options{
			DurableName:    AuditDurable(subject.String()),
			QueueGroup:     group,
			MaxConcurrency: 1,
		})
		if err != nil {
			log.Error("Failed to start audit subscription",
				logger.String("subject", subject.String()),
				logger.Error(err),
			)
			continue
		}
		subs = append(subs, s)
	}
	return subs
}
