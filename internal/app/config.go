package app

import (
	"fmt"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/config"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/repository/minio"
	"github.com/moroshma/eventrelay/internal/subscriber"
	"github.com/moroshma/eventrelay/internal/topology"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// NewFromConfig builds a Bus from the loaded configuration. The MinIO payload
// store is created only when enabled.
func NewFromConfig(cfg *config.Config, log *logger.Logger, recorder *metrics.Recorder) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	opts := OptionsFromConfig(cfg)
	opts.Metrics = recorder

	if cfg.MinIO.Enabled {
		repo, err := minio.NewRepository(&minio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			BucketName:      cfg.MinIO.BucketName,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create payload store: %w", err)
		}
		opts.Payloads = repo
	}

	return New(opts, log), nil
}

// OptionsFromConfig maps configuration sections onto Bus options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Broker: broker.Config{
			URLs:             cfg.Broker.URLs,
			Name:             cfg.Broker.Name,
			Mode:             broker.Mode(cfg.Broker.Mode),
			ConnectTimeout:   cfg.Broker.ConnectTimeout,
			ConnectAttempts:  cfg.Broker.ConnectAttempts,
			MaxReconnects:    cfg.Broker.MaxReconnects,
			ReconnectWait:    cfg.Broker.ReconnectWait,
			ReconnectMaxWait: cfg.Broker.ReconnectMaxWait,
			DrainTimeout:     cfg.Broker.DrainTimeout,
			User:             cfg.Broker.User,
			Password:         cfg.Broker.Password,
			Token:            cfg.Broker.Token,
		},
		Streams:            StreamDefinitions(cfg),
		Source:             cfg.Publisher.Source,
		PublishTimeout:     cfg.Publisher.Timeout,
		CorrelationTimeout: cfg.Correlation.Timeout,
		SubscriberDefaults: subscriber.Options{
			AckWait:        cfg.Subscriber.AckWait,
			MaxDeliver:     cfg.Subscriber.MaxDeliver,
			MaxConcurrency: cfg.Subscriber.MaxConcurrency,
			NakDelay:       cfg.Subscriber.NakDelay,
			HandlerTimeout: cfg.Subscriber.HandlerTimeout,
		},
		OffloadThreshold: cfg.Publisher.OffloadThreshold,
	}
}

// StreamDefinitions resolves the configured streams against stream_defaults
func StreamDefinitions(cfg *config.Config) []topology.StreamDefinition {
	defs := make([]topology.StreamDefinition, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		s = cfg.Stream(s)
		defs = append(defs, topology.StreamDefinition{
			Name:        s.Name,
			Subjects:    append([]string(nil), s.Subjects...),
			MaxAge:      s.MaxAge,
			MaxMsgs:     s.MaxMsgs,
			Discard:     topology.DiscardPolicy(s.Discard),
			DedupWindow: s.DedupWindow,
			Storage:     topology.StorageType(s.Storage),
			Replicas:    s.Replicas,
		})
	}
	return defs
}
