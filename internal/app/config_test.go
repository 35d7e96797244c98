package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/config"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/topology"
	"github.com/moroshma/eventrelay/pkg/logger"
)

func TestStreamDefinitions_InheritDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Streams = append(cfg.Streams, config.StreamConfig{
		Name:     "AUDIT",
		Subjects: []string{"audit.>"},
		MaxAge:   time.Hour,
		Storage:  "memory",
	})

	defs := StreamDefinitions(cfg)
	require.Len(t, defs, 2)

	assert.Equal(t, topology.StreamDefinition{
		Name:        "EVENTS",
		Subjects:    []string{"job.*", "resume.*", "analysis.*"},
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     1_000_000,
		Discard:     topology.DiscardOld,
		DedupWindow: 2 * time.Minute,
		Storage:     topology.FileStorage,
		Replicas:    1,
	}, defs[0])

	assert.Equal(t, time.Hour, defs[1].MaxAge)
	assert.Equal(t, topology.MemoryStorage, defs[1].Storage)
	assert.Equal(t, 2*time.Minute, defs[1].DedupWindow)
}

func TestStreamDefinitions_CaptureCatalogue(t *testing.T) {
	b := New(OptionsFromConfig(config.Default()), logger.NewNop())
	assert.NoError(t, topology.Validate(b.opts.Streams, b.opts.Subjects))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Mode = "optional"
	cfg.Broker.Token = "s3cret"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, broker.ModeOptional, opts.Broker.Mode)
	assert.Equal(t, "s3cret", opts.Broker.Token)
	assert.Equal(t, []string{"nats://localhost:4222"}, opts.Broker.URLs)
	assert.Equal(t, 3*time.Second, opts.PublishTimeout)
	assert.Equal(t, 30*time.Second, opts.CorrelationTimeout)
	assert.Equal(t, 4, opts.SubscriberDefaults.MaxConcurrency)
	assert.Equal(t, 512*1024, opts.OffloadThreshold)
	assert.Nil(t, opts.Payloads)
}

func TestNewFromConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewFromConfig(nil, logger.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("without payload store", func(t *testing.T) {
		b, err := NewFromConfig(config.Default(), logger.NewNop(), metrics.New())
		require.NoError(t, err)
		assert.Nil(t, b.opts.Payloads)
		assert.NotNil(t, b.opts.Metrics)
	})

	t.Run("with payload store", func(t *testing.T) {
		cfg := config.Default()
		cfg.MinIO.Enabled = true

		b, err := NewFromConfig(cfg, logger.NewNop(), nil)
		require.NoError(t, err)
		assert.NotNil(t, b.opts.Payloads)
	})

	t.Run("payload store without bucket", func(t *testing.T) {
		cfg := config.Default()
		cfg.MinIO.Enabled = true
		cfg.MinIO.BucketName = ""

		_, err := NewFromConfig(cfg, logger.NewNop(), nil)
		assert.Error(t, err)
	})
}
