package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zap.AtomicLevel) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level.Level())
	return NewLoggerFromZap("test-service", zap.New(core)), logs
}

func TestLogger_LogLevels(t *testing.T) {
	logger, logs := newObservedLogger(zap.NewAtomicLevelAt(zap.DebugLevel))

	logger.Debug("Debug message", map[string]interface{}{"key": "value"})
	logger.Info("Info message", map[string]interface{}{"key": "value"})
	logger.Warn("Warn message", map[string]interface{}{"key": "value"})

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "Debug message", logs.All()[0].Message)
	assert.Equal(t, "value", logs.All()[1].ContextMap()["key"])
	assert.Equal(t, "test-service", logs.All()[2].LoggerName)
}

func TestLogger_MinimumLevel(t *testing.T) {
	logger, logs := newObservedLogger(zap.NewAtomicLevelAt(zap.InfoLevel))

	logger.Debug("Debug message", nil)
	logger.Info("Info message", nil)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Info message", logs.All()[0].Message)
}

func TestLogger_WithPrefixAndFields(t *testing.T) {
	logger, logs := newObservedLogger(zap.NewAtomicLevelAt(zap.InfoLevel))

	child := logger.WithPrefix("child").With(map[string]interface{}{"worker_id": "w-1"})
	child.Error("boom", map[string]interface{}{"error": errors.New("bad")})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "test-service.child", entry.LoggerName)
	assert.Equal(t, "w-1", entry.ContextMap()["worker_id"])
	assert.Equal(t, "bad", entry.ContextMap()["error"])
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	_, err := NewZapLogger("svc", "loud", "json")
	assert.Error(t, err)
}

func TestNoopLogger(t *testing.T) {
	logger := OrNoop(nil)
	assert.IsType(t, &NoopLogger{}, logger)
	assert.NotPanics(t, func() {
		logger.With(map[string]interface{}{"a": 1}).WithPrefix("x").Info("ignored", nil)
		logger.Errorf("ignored %d", 1)
	})
}

func TestInitTracing(t *testing.T) {
	t.Run("disabled returns noop shutdown", func(t *testing.T) {
		shutdown, err := InitTracing(TracingConfig{Enabled: false})
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("enabled records spans", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		shutdown, err := InitTracing(TracingConfig{Enabled: true, ServiceName: "docmesh-test"}, recorder)
		require.NoError(t, err)
		defer func() { _ = shutdown(context.Background()) }()

		ctx, span := Tracer("test").Start(context.Background(), "op")
		fields := TraceFields(ctx)
		EndSpan(span, errors.New("failed"))

		require.Len(t, recorder.Ended(), 1)
		assert.Equal(t, "op", recorder.Ended()[0].Name())
		assert.NotEmpty(t, fields["trace_id"])
	})

	assert.Nil(t, TraceFields(context.Background()))
}
