package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proffesor-for-testing/agentic-qe-sub011/internal/logging"
)

func TestTestLogger_CapturesEntries(t *testing.T) {
	tl := logging.NewTestLogger(t)
	ctx := context.Background()

	tl.Info(ctx, "episode recorded", zap.String("id", "ep-1a2b"))
	tl.Debug(ctx, "index insert")
	tl.Trace(ctx, "codec detail")

	assert.Len(t, tl.All(), 3)
	tl.AssertLogged(t, zapcore.InfoLevel, "episode recorded")
	tl.AssertLogged(t, logging.TraceLevel, "codec detail")
	tl.AssertField(t, "episode recorded", "id", "ep-1a2b")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "episode recorded")
}

func TestTestLogger_SeesContextFields(t *testing.T) {
	tl := logging.NewTestLogger(t)
	ctx := logging.ContextWith(context.Background(), "run-7", "qe-fuzzer-01")

	tl.Warn(ctx, "retention pass slow")

	tl.AssertField(t, "retention pass slow", "run_id", "run-7")
	tl.AssertField(t, "retention pass slow", "agent_id", "qe-fuzzer-01")
}

func TestTestLogger_FilterAndReset(t *testing.T) {
	tl := logging.NewTestLogger(t)
	ctx := context.Background()

	tl.Info(ctx, "first")
	tl.Info(ctx, "second")

	assert.Equal(t, 1, tl.FilterMessage("first").Len())

	tl.Reset()
	assert.Empty(t, tl.All())
}
