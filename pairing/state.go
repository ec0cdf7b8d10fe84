package pairing

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the per-market inventory lifecycle state.
type State string

const (
	StateFlat         State = "FLAT"
	StateOneSidedUp   State = "ONE_SIDED_UP"
	StateOneSidedDown State = "ONE_SIDED_DOWN"
	StatePairing      State = "PAIRING"
	StatePaired       State = "PAIRED"
	StateUnwindOnly   State = "UNWIND_ONLY"
)

// OneSided reports whether the state carries exposure on one leg only.
func (s State) OneSided() bool {
	return s == StateOneSidedUp || s == StateOneSidedDown
}

// Reasons recorded when a market enters PAIRING.
const (
	ReasonPairEdge = "PAIR_EDGE"
	ReasonLossMin  = "LOSS_MIN"
)

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// Context is the mutable per-market state. Mutated only by the manager;
// callers receive copies via Snapshot.
type Context struct {
	State      State
	UpShares   decimal.Decimal
	DownShares decimal.Decimal

	PairingStartedAt *time.Time
	PairingReason    string

	priceHistory []pricePoint

	EnteredStateAt time.Time
	unwound        bool
}

// Snapshot is a read-only copy of a market's context.
type Snapshot struct {
	State            State
	UpShares         decimal.Decimal
	DownShares       decimal.Decimal
	PairingStartedAt *time.Time
	PairingReason    string
	EnteredStateAt   time.Time
}

// PairedShares is the matched quantity, min(up, down).
func (c *Context) PairedShares() decimal.Decimal {
	if c.UpShares.LessThan(c.DownShares) {
		return c.UpShares
	}
	return c.DownShares
}

// UnpairedShares is the one-sided excess, |up - down|.
func (c *Context) UnpairedShares() decimal.Decimal {
	return c.UpShares.Sub(c.DownShares).Abs()
}

func (c *Context) snapshot() Snapshot {
	var startedAt *time.Time
	if c.PairingStartedAt != nil {
		t := *c.PairingStartedAt
		startedAt = &t
	}
	return Snapshot{
		State:            c.State,
		UpShares:         c.UpShares,
		DownShares:       c.DownShares,
		PairingStartedAt: startedAt,
		PairingReason:    c.PairingReason,
		EnteredStateAt:   c.EnteredStateAt,
	}
}
