package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEMETRY - Structured event port
// ═══════════════════════════════════════════════════════════════════════════════
//
// Components emit events, sinks consume them. Fire-and-forget: a sink
// failure must never reach trading control flow.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Event types emitted by the engine.
const (
	EventEmergencyCross     = "EMERGENCY_CROSS"
	EventPairingTransition  = "PAIRING_TRANSITION"
	EventPairingTimeout     = "PAIRING_TIMEOUT"
	EventHedgeAttempt       = "HEDGE_ATTEMPT"
	EventHedgeFailure       = "HEDGE_FAILURE"
	EventHedgeEscalation    = "HEDGE_ESCALATION"
	EventHedgeAbort         = "HEDGE_ABORT"
	EventHedgeSuccess       = "HEDGE_SUCCESS"
	EventLossMinTrigger     = "LOSS_MIN_TRIGGER"
	EventCadenceTransition  = "CADENCE_TRANSITION"
	EventReconcilePurge     = "RECONCILE_PURGE"
	EventReconcileAdopt     = "RECONCILE_ADOPT"
	EventOrderSync          = "ORDER_SYNC"
	EventWindowSettled      = "WINDOW_SETTLED"
)

// Event is one structured observation.
type Event struct {
	Type   string
	At     time.Time
	Market types.MarketKey
	Fields map[string]any
}

// Sink consumes events. Implementations swallow their own errors.
type Sink interface {
	Emit(ev Event)
}

// NopSink drops everything. Default when no telemetry is wired.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes events to the process logger at debug level.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	e := log.Debug().
		Str("event", ev.Type).
		Str("market", ev.Market.MarketID).
		Str("asset", ev.Market.Asset)
	for k, v := range ev.Fields {
		e = appendField(e, k, v)
	}
	e.Msg("📡 Telemetry")
}

func appendField(e *zerolog.Event, k string, v any) *zerolog.Event {
	switch val := v.(type) {
	case string:
		return e.Str(k, val)
	case int:
		return e.Int(k, val)
	case int64:
		return e.Int64(k, val)
	case float64:
		return e.Float64(k, val)
	case bool:
		return e.Bool(k, val)
	case time.Duration:
		return e.Dur(k, val)
	default:
		return e.Interface(k, val)
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// LateSink forwards to a sink bound after construction. Wiring aid for
// consumers that cannot exist yet when the emitters are built.
type LateSink struct {
	mu sync.Mutex
	s  Sink
}

// Bind sets the downstream sink. Events before Bind are dropped.
func (l *LateSink) Bind(s Sink) {
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

func (l *LateSink) Emit(ev Event) {
	l.mu.Lock()
	s := l.s
	l.mu.Unlock()
	if s != nil {
		s.Emit(ev)
	}
}

// NewEvent builds an event stamped at now.
func NewEvent(typ string, key types.MarketKey, fields map[string]any) Event {
	return Event{Type: typ, At: time.Now(), Market: key, Fields: fields}
}
