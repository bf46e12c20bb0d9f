// Package observability reports what the dispatch pipeline is doing: one
// event per pipeline stage, request completions, and session lifecycle.
// Collectors are composable, so a server can log, export Prometheus metrics
// and emit traces from the same stream of events.
package observability

import (
	"context"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/logging"
)

// Stage names one step of the request pipeline.
type Stage string

const (
	StageAuthenticate  Stage = "authenticate"
	StageAuthorize     Stage = "authorize"
	StageValidate      Stage = "validate"
	StageRateLimit     Stage = "rate_limit"
	StageCacheLookup   Stage = "cache_lookup"
	StageDispatch      Stage = "dispatch"
	StageCachePopulate Stage = "cache_populate"
	StageSanitize      Stage = "sanitize"
	StageRespond       Stage = "respond"
)

// Outcome is the result of one stage execution.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
	// OutcomeHit and OutcomeMiss are specific to the cache lookup stage.
	OutcomeHit  Outcome = "hit"
	OutcomeMiss Outcome = "miss"
)

// StageEvent is one pipeline stage execution.
type StageEvent struct {
	Stage         Stage
	Method        string
	Target        string
	SessionID     string
	CorrelationID string
	Outcome       Outcome
	Err           error
	Duration      time.Duration
}

// Collector receives pipeline events. Implementations must be safe for
// concurrent use and must not block.
type Collector interface {
	// RecordStage is called once per executed pipeline stage.
	RecordStage(ctx context.Context, event StageEvent)
	// RecordRequest is called once per finished request with its final
	// status, "ok" or the error kind.
	RecordRequest(ctx context.Context, method, status string, duration time.Duration)
	// AddActiveSessions tracks session lifecycle, +1 on open, -1 on
	// close.
	AddActiveSessions(delta int)
}

// Nop is a collector that discards everything.
type Nop struct{}

func (Nop) RecordStage(context.Context, StageEvent)                      {}
func (Nop) RecordRequest(context.Context, string, string, time.Duration) {}
func (Nop) AddActiveSessions(int)                                        {}

// Multi fans events out to several collectors.
type Multi []Collector

// NewMulti composes collectors, skipping nils.
func NewMulti(collectors ...Collector) Multi {
	out := make(Multi, 0, len(collectors))
	for _, c := range collectors {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (m Multi) RecordStage(ctx context.Context, event StageEvent) {
	for _, c := range m {
		c.RecordStage(ctx, event)
	}
}

func (m Multi) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	for _, c := range m {
		c.RecordRequest(ctx, method, status, duration)
	}
}

func (m Multi) AddActiveSessions(delta int) {
	for _, c := range m {
		c.AddActiveSessions(delta)
	}
}

// LogCollector writes pipeline events to a structured logger. Stage events
// log at debug, failures at warn, completed requests at info.
type LogCollector struct {
	logger logging.Logger
}

// NewLogCollector creates a collector writing to logger.
func NewLogCollector(logger logging.Logger) *LogCollector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogCollector{logger: logger}
}

func (l *LogCollector) RecordStage(ctx context.Context, event StageEvent) {
	fields := []logging.Field{
		logging.String("stage", string(event.Stage)),
		logging.String("method", event.Method),
		logging.String("session_id", event.SessionID),
		logging.String("outcome", string(event.Outcome)),
		logging.Duration("duration", event.Duration),
	}
	if event.Target != "" {
		fields = append(fields, logging.String("target", event.Target))
	}
	if event.Err != nil {
		fields = append(fields, logging.ErrorField(event.Err))
		l.logger.Warn("pipeline stage failed", fields...)
		return
	}
	l.logger.Debug("pipeline stage", fields...)
}

func (l *LogCollector) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	l.logger.Info("request finished",
		logging.String("method", method),
		logging.String("status", status),
		logging.Duration("duration", duration),
	)
}

func (l *LogCollector) AddActiveSessions(delta int) {
	l.logger.Debug("active sessions changed", logging.Int("delta", delta))
}
