// Package signal defines the immutable, hash-chained trading Signal (spec
// §3) and the data-model types that feed it: Symbol, SourceVerdict, and
// Regime. It owns the side-invariant validation and the canonical hash
// computed over a signal's immutable fields, mirroring the way
// internal/hashchain gives the Store and the Audit Log one shared
// verification routine instead of two divergent ones.
package signal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/signalmesh/engine/internal/hashchain"
)

// Symbol is a canonical instrument identifier (e.g. "AAPL", "BTC-USD").
// Symbols flow through the system unchanged; any broker-specific
// conversion happens at the broker edge (see internal/broker) while the
// original Symbol is retained alongside for downstream logic.
type Symbol string

// IsCrypto reports whether the symbol is a crypto pair: it carries the
// "-USD" suffix or is a 7-character "*USD" spot pair (e.g. "BTCUSD").
func (s Symbol) IsCrypto() bool {
	str := string(s)
	if strings.HasSuffix(str, "-USD") {
		return true
	}
	return len(str) == 7 && strings.HasSuffix(str, "USD")
}

// Action is the directional side of a Signal. NEUTRAL never reaches a
// persisted Signal — it is an intermediate SourceVerdict state only.
type Action string

const (
	ActionLong    Action = "LONG"
	ActionShort   Action = "SHORT"
	ActionNeutral Action = "NEUTRAL"
)

// Regime tags the market state a signal was generated under (spec §4.3).
type Regime string

const (
	RegimeTrending     Regime = "TRENDING"
	RegimeConsolidation Regime = "CONSOLIDATION"
	RegimeVolatile     Regime = "VOLATILE"
	RegimeUnknown      Regime = "UNKNOWN"
)

// Feature is a tagged union over a source's reported feature value (Design
// Notes §9: "dynamic, per-source feature maps"). Exactly one field is set;
// callers switch on which is non-nil/non-zero via the Kind tag.
type Feature struct {
	Kind FeatureKind
	Num  float64
	Str  string
	Bool bool
}

type FeatureKind string

const (
	FeatureKindNumber FeatureKind = "number"
	FeatureKindString FeatureKind = "string"
	FeatureKindBool   FeatureKind = "bool"
)

func NumberFeature(v float64) Feature { return Feature{Kind: FeatureKindNumber, Num: v} }
func StringFeature(v string) Feature  { return Feature{Kind: FeatureKindString, Str: v} }
func BoolFeature(v bool) Feature      { return Feature{Kind: FeatureKindBool, Bool: v} }

// SourceVerdict is one data source's opinion for a symbol at a point in
// time (spec §3).
type SourceVerdict struct {
	SourceID    string             `json:"source_id"`
	Verdict     Action             `json:"verdict"`
	Confidence  float64            `json:"confidence"`
	Features    map[string]Feature `json:"features,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ClampConfidence clamps Confidence into [0,100], per spec §3's invariant.
func (v *SourceVerdict) ClampConfidence() {
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
}

// IsDirectional reports whether this verdict contributes a directional
// vote: NEUTRAL below confidence 65 contributes nothing (spec §3).
func (v SourceVerdict) IsDirectional() bool {
	if v.Verdict == ActionNeutral {
		return v.Confidence >= 65
	}
	return true
}

// Outcome is the terminal label applied to a Signal once its trade
// resolves. Filled later by a component outside this spec's scope (spec
// §9 Open Question); the Store exposes only a single guarded transition
// from Unset to a terminal value.
type Outcome string

const (
	OutcomeUnset   Outcome = ""
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeExpired Outcome = "EXPIRED"
)

// ServiceType tags which executor(s) a signal targets.
type ServiceType string

// Signal is the immutable output of one generation cycle for one symbol
// (spec §3). Every field through RejectedAsterisk below SHA256 is
// immutable once written; only the Outcome/Exit*/OrderID fields ever
// transition, and each exactly once.
type Signal struct {
	SignalID           string          `json:"signal_id"`
	CreatedAt          time.Time       `json:"created_at"`
	Symbol             Symbol          `json:"symbol"`
	Action             Action          `json:"action"`
	EntryPrice         float64         `json:"entry_price"`
	StopPrice          float64         `json:"stop_price"`
	TargetPrice        float64         `json:"target_price"`
	Confidence         float64         `json:"confidence"`
	Regime             Regime          `json:"regime"`
	SourcesUsed        []string        `json:"sources_used"`
	PerSourceVerdicts  []SourceVerdict `json:"per_source_verdicts"`
	Rationale          string          `json:"rationale"`
	ServiceType        ServiceType     `json:"service_type"`
	SHA256             string          `json:"sha256"`
	PrevSHA256         string          `json:"prev_sha256"`

	// Mutable outcome fields — NULL until filled by an external component.
	Outcome       Outcome    `json:"outcome,omitempty"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	PnLPct        *float64   `json:"pnl_pct,omitempty"`
	ExitTimestamp *time.Time `json:"exit_timestamp,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
}

// NewSignalID returns a 128-bit random hex signal identifier.
func NewSignalID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("signal: generate id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// ValidateSides checks the side invariant (spec §3): for LONG,
// stop < entry < target; for SHORT, the inverse. Called before a Signal
// is ever inserted into the Store.
func (s *Signal) ValidateSides() error {
	switch s.Action {
	case ActionLong:
		if !(s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice) {
			return fmt.Errorf("signal: LONG side invariant violated: stop=%v entry=%v target=%v",
				s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	case ActionShort:
		if !(s.StopPrice > s.EntryPrice && s.EntryPrice > s.TargetPrice) {
			return fmt.Errorf("signal: SHORT side invariant violated: stop=%v entry=%v target=%v",
				s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	default:
		return fmt.Errorf("signal: action must be LONG or SHORT, got %q", s.Action)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal: entry_price must be > 0, got %v", s.EntryPrice)
	}
	if len(s.SourcesUsed) < 1 {
		return fmt.Errorf("signal: sources_used must be non-empty")
	}
	return nil
}

// immutableFields is the canonical subset hashed into SHA256 — everything
// the spec lists except sha256 itself, prev_sha256, and the mutable
// outcome fields.
type immutableFields struct {
	SignalID          string          `json:"signal_id"`
	CreatedAt         time.Time       `json:"created_at"`
	Symbol            Symbol          `json:"symbol"`
	Action            Action          `json:"action"`
	EntryPrice        float64         `json:"entry_price"`
	StopPrice         float64         `json:"stop_price"`
	TargetPrice       float64         `json:"target_price"`
	Confidence        float64         `json:"confidence"`
	Regime            Regime          `json:"regime"`
	SourcesUsed       []string        `json:"sources_used"`
	PerSourceVerdicts []SourceVerdict `json:"per_source_verdicts"`
	Rationale         string          `json:"rationale"`
	ServiceType       ServiceType     `json:"service_type"`
}

// ComputeHash derives the signal's SHA256 over its immutable fields. Call
// once, before PrevSHA256 is assigned by the Store's insertion path.
func (s *Signal) ComputeHash() (string, error) {
	return hashchain.Sum(immutableFields{
		SignalID:          s.SignalID,
		CreatedAt:         s.CreatedAt,
		Symbol:            s.Symbol,
		Action:            s.Action,
		EntryPrice:        s.EntryPrice,
		StopPrice:         s.StopPrice,
		TargetPrice:       s.TargetPrice,
		Confidence:        s.Confidence,
		Regime:            s.Regime,
		SourcesUsed:       s.SourcesUsed,
		PerSourceVerdicts: s.PerSourceVerdicts,
		Rationale:         s.Rationale,
		ServiceType:       s.ServiceType,
	})
}

// Finalize computes and assigns SHA256. Must be called exactly once,
// before the signal is hashed into the chain by the Store.
func (s *Signal) Finalize() error {
	h, err := s.ComputeHash()
	if err != nil {
		return err
	}
	s.SHA256 = h
	return nil
}
