package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/proffesor-for-testing/agentic-qe-sub011/internal/telemetry"
)

func TestNew_DisabledIsInert(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{}, nil)
	require.NoError(t, err)

	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.Nil(t, tel.LoggerProvider())

	// Disabled instances still hand out usable tracers and meters.
	_, span := tel.Tracer("patternstore.test").Start(context.Background(), "probe")
	span.End()
	assert.NotNil(t, tel.Meter("patternstore.test"))

	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  telemetry.Config
	}{
		{
			name: "insecure remote",
			cfg:  telemetry.Config{Enabled: true, Endpoint: "collector.prod.internal:4317", Insecure: true},
		},
		{
			name: "bad protocol",
			cfg:  telemetry.Config{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := telemetry.New(context.Background(), tt.cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid telemetry config")
		})
	}
}

func TestNew_EnabledBuildsProviders(t *testing.T) {
	for _, protocol := range []string{"grpc", "http"} {
		t.Run(protocol, func(t *testing.T) {
			tel, err := telemetry.New(context.Background(), telemetry.Config{
				Enabled:  true,
				Endpoint: "localhost:4317",
				Protocol: protocol,
				Insecure: true,
			}, nil)
			require.NoError(t, err)

			assert.True(t, tel.Enabled())
			assert.False(t, tel.Degraded())

			// No collector is listening; shutdown flushes best-effort
			// within the deadline and must not hang or panic.
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_ = tel.Shutdown(ctx)

			assert.False(t, tel.Enabled())
		})
	}
}

func TestTelemetry_NilReceiverDegradesGracefully(t *testing.T) {
	var tel *telemetry.Telemetry

	assert.False(t, tel.Enabled())
	assert.True(t, tel.Degraded())
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))

	_, span := tel.Tracer("patternstore.test").Start(context.Background(), "probe")
	span.End()
	tel.SetLoggerProvider(noop.NewLoggerProvider())
}

func TestTelemetry_LoggerProviderRoundTrip(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{}, nil)
	require.NoError(t, err)

	provider := noop.NewLoggerProvider()
	tel.SetLoggerProvider(provider)
	assert.Equal(t, provider, tel.LoggerProvider())
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry(t)
	ctx := context.Background()

	_, span := tt.Tracer("patternstore.test").Start(ctx, "learning.record_episode")
	span.SetAttributes(attribute.String("record.id", "ep-1a2b"))
	span.End()

	recorded := tt.SpanByName("learning.record_episode")
	require.NotNil(t, recorded)

	attrs := recorded.Attributes()
	require.Len(t, attrs, 1)
	assert.Equal(t, "record.id", string(attrs[0].Key))
	assert.Equal(t, "ep-1a2b", attrs[0].Value.AsString())

	assert.Nil(t, tt.SpanByName("no.such.span"))
}

func TestTestTelemetry_CollectsMetrics(t *testing.T) {
	tt := telemetry.NewTestTelemetry(t)
	ctx := context.Background()

	counter, err := tt.Meter("patternstore.test").Int64Counter("episodes_recorded")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rm, err := tt.Metrics(ctx)
	require.NoError(t, err)
	require.Len(t, rm.ScopeMetrics, 1)
	require.NotEmpty(t, rm.ScopeMetrics[0].Metrics)
	assert.Equal(t, "episodes_recorded", rm.ScopeMetrics[0].Metrics[0].Name)
}
