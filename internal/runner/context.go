package runner

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog"

	"termline/internal/cancel"
	"termline/internal/repo"
	"termline/internal/stream"
)

// Context is the capability object handed to step logic for one run. It
// exposes exactly three things: a cancellation check, structured logging,
// and a storage handle scoped to the run. The orchestrator neither knows nor
// constrains what step logic does with them.
type Context interface {
	IsCancelled() bool
	Log(level, message string, opts ...LogOption)
	DB() *sql.DB
}

// LogOption attaches optional metadata to a log event.
type LogOption func(*stream.Event)

func WithStep(step string) LogOption {
	return func(ev *stream.Event) { ev.Step = step }
}

func WithProgress(current, total int) LogOption {
	return func(ev *stream.Event) {
		ev.ProgressCurrent = &current
		ev.ProgressTotal = &total
	}
}

func WithTerm(term string) LogOption {
	return func(ev *stream.Event) { ev.CurrentTerm = term }
}

type execContext struct {
	runID  string
	tok    *cancel.Token
	db     *sql.DB
	repo   repo.Repo
	broker *stream.Broker
	logger zerolog.Logger
}

func (c *execContext) IsCancelled() bool {
	return c.tok.Cancelled()
}

func (c *execContext) DB() *sql.DB {
	return c.db
}

// Log fans the event out to live subscribers and mirrors it to the operator
// log. Progress metadata is additionally persisted on the run row so
// poll-based clients see it; that write is best-effort.
func (c *execContext) Log(level, message string, opts ...LogOption) {
	ev := stream.Event{RunID: c.runID, Level: level, Message: message}
	for _, opt := range opts {
		opt(&ev)
	}
	c.broker.Publish(c.runID, ev)
	if ev.ProgressCurrent != nil && ev.ProgressTotal != nil {
		step := ev.Step
		if err := c.repo.UpdateRunProgress(context.Background(), c.runID, *ev.ProgressCurrent, *ev.ProgressTotal, step); err != nil {
			c.logger.Warn().Err(err).Str("run_id", c.runID).Msg("progress update failed")
		}
	}
	entry := c.logger.WithLevel(logLevel(level)).Str("run_id", c.runID)
	if ev.Step != "" {
		entry = entry.Str("step", ev.Step)
	}
	if ev.CurrentTerm != "" {
		entry = entry.Str("term", ev.CurrentTerm)
	}
	entry.Msg(message)
}

func logLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
