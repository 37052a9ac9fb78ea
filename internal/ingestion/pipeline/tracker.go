package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
)

// tracker owns one IngestRun while it moves through the state machine and
// persists it after every transition.
type tracker struct {
	run    *ingestion.IngestRun
	store  ingestion.RunStore
	now    func() time.Time
	logger *slog.Logger
	err    error
}

// to moves the run to next. Moves that do not advance the rank, or that
// leave a terminal state, are refused and remembered as a programming error.
func (t *tracker) to(ctx context.Context, next ingestion.State, format string, args ...any) bool {
	cur := t.run.Status
	if cur.Terminal() || next.Rank() <= cur.Rank() {
		if t.err == nil {
			t.err = fmt.Errorf("illegal transition %s -> %s", cur, next)
		}
		t.logger.Error("illegal state transition refused", "from", cur, "to", next)
		return false
	}

	now := t.now()
	msg := fmt.Sprintf(format, args...)
	t.run.Status = next
	t.run.Log = append(t.run.Log, fmt.Sprintf("%s %s -> %s: %s", now.Format(time.RFC3339Nano), cur, next, msg))
	if next.Terminal() && t.run.EndTime == nil {
		t.run.EndTime = &now
	}
	t.logger.Info("run transition", "from", cur, "to", next, "detail", msg)
	t.save(ctx)
	return true
}

// fail moves the run to a terminal failure state with an error code.
func (t *tracker) fail(ctx context.Context, state ingestion.State, code string, err error) {
	t.run.ErrorCode = code
	t.run.Error = err.Error()
	t.to(ctx, state, "%s", err)
}

func (t *tracker) note(format string, args ...any) {
	t.run.Log = append(t.run.Log, fmt.Sprintf("%s %s", t.now().Format(time.RFC3339Nano), fmt.Sprintf(format, args...)))
}

func (t *tracker) save(ctx context.Context) {
	if err := t.store.SaveRun(ctx, t.run); err != nil {
		t.logger.Warn("persisting run state failed", "status", t.run.Status, "error", err)
		if t.run.Status.Terminal() && t.err == nil {
			t.err = fmt.Errorf("persisting terminal run state: %w", err)
		}
	}
}
