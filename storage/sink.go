package storage

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairbot/telemetry"
)

// StoreSink persists telemetry events. Wire it behind a MultiSink so
// slow writes never sit on the hot path alone.
type StoreSink struct {
	store *Store
}

// NewStoreSink creates the sink. A disabled store drops everything.
func NewStoreSink(store *Store) *StoreSink {
	return &StoreSink{store: store}
}

// Emit implements telemetry.Sink.
func (s *StoreSink) Emit(ev telemetry.Event) {
	if !s.store.Enabled() {
		return
	}

	fields := "{}"
	if len(ev.Fields) > 0 {
		if data, err := json.Marshal(ev.Fields); err == nil {
			fields = string(data)
		}
	}

	rec := &EventRecord{
		Type:     ev.Type,
		MarketID: ev.Market.MarketID,
		Asset:    ev.Market.Asset,
		Fields:   fields,
		At:       ev.At,
	}
	if err := s.store.SaveEvent(rec); err != nil {
		log.Debug().Err(err).Str("type", rec.Type).Msg("Event persist failed")
	}
}
