// Package consensus implements the Weighted Consensus Engine (spec §4.2):
// a pure, deterministic reduction of per-source verdicts, a regime, and a
// weight vector into a single (action, confidence) decision or "no
// signal". Grounded on internal/orchestrator/consensus.go's
// config-with-defaults, struct-per-result shape, generalized from agent
// Delphi voting to the spec's closed-form arithmetic — the algorithm
// itself is spec-defined, not inherited.
package consensus

import (
	"fmt"
	"math"

	sig "github.com/signalmesh/engine/internal/signal"
)

// mixedSourceThreshold resolves spec §9's Open Question between 52 and 70
// in favor of 70, the value the spec text itself adopts. This is a
// one-time product decision, not an operational tunable — it is not
// exposed through Config.
const mixedSourceThreshold = 70.0

// Config carries the regime-aware floors and mix-dependent thresholds a
// Config.Consensus/Config.Regime section would supply (spec §4.2 steps
// 1 and 6).
type Config struct {
	RegimeFloors       map[sig.Regime]float64
	SingleDirectional  float64 // threshold for a single directional source
	TwoSameDirectional float64 // threshold for two same-direction sources
	ThreeOrMoreBase    map[sig.Regime]float64
	MarginTieBreak     float64
}

// DefaultConfig returns the thresholds spec §4.2 names explicitly.
func DefaultConfig() Config {
	return Config{
		RegimeFloors: map[sig.Regime]float64{
			sig.RegimeTrending:      65,
			sig.RegimeConsolidation: 65,
			sig.RegimeVolatile:      65,
			sig.RegimeUnknown:       60,
		},
		SingleDirectional:  80,
		TwoSameDirectional: 75,
		ThreeOrMoreBase: map[sig.Regime]float64{
			sig.RegimeTrending:      75,
			sig.RegimeConsolidation: 75,
			sig.RegimeVolatile:      80,
			sig.RegimeUnknown:       75,
		},
		MarginTieBreak: 0.02,
	}
}

// Weights maps source_id to a weight in [0,1]. Weights need not sum to
// exactly 1 (spec §4.2: "summing to ≤ 1").
type Weights map[string]float64

// Result is the engine's output for a symbol in one cycle.
type Result struct {
	NoSignal   bool
	Action     sig.Action
	Confidence float64
	Margin     float64
	Used       []sig.SourceVerdict // the surviving, post-filter snapshot
}

// Consensus combines verdicts deterministically: given the same verdicts,
// weights, and regime, it always returns the same Result (spec §8
// property 1).
func Consensus(cfg Config, verdicts []sig.SourceVerdict, regime sig.Regime, weights Weights) (Result, error) {
	floor, ok := cfg.RegimeFloors[regime]
	if !ok {
		floor = cfg.RegimeFloors[sig.RegimeUnknown]
	}

	// Step 1+2: discard sub-floor verdicts; split surviving NEUTRAL 55/45.
	type vote struct {
		verdict  sig.SourceVerdict
		pLong    float64
		pShort   float64
		directed bool // true if it's a LONG/SHORT verdict, not a split NEUTRAL
	}
	var votes []vote
	for _, v := range verdicts {
		v.ClampConfidence()
		if v.Confidence < floor {
			continue
		}
		switch v.Verdict {
		case sig.ActionLong:
			votes = append(votes, vote{verdict: v, pLong: 1, pShort: 0, directed: true})
		case sig.ActionShort:
			votes = append(votes, vote{verdict: v, pLong: 0, pShort: 1, directed: true})
		case sig.ActionNeutral:
			if v.Confidence >= 65 {
				votes = append(votes, vote{verdict: v, pLong: 0.55, pShort: 0.45, directed: false})
			}
			// NEUTRAL below 65 discarded.
		}
	}

	if len(votes) == 0 {
		return Result{NoSignal: true}, nil
	}

	// Step 3: weighted vote sums. voteLong/voteShort carry confidence
	// (Σ w·conf·p); massLong/massShort carry only the directional weight
	// mass (Σ w·p) backing each side, used to turn the winning side's
	// vote sum back into an average confidence in step 5.
	var voteLong, voteShort, massLong, massShort float64
	directionalCount := 0
	neutralCount := 0
	for _, v := range votes {
		w := weights[v.verdict.SourceID]
		voteLong += w * v.verdict.Confidence * v.pLong
		voteShort += w * v.verdict.Confidence * v.pShort
		massLong += w * v.pLong
		massShort += w * v.pShort
		if v.directed {
			directionalCount++
		} else {
			neutralCount++
		}
	}

	if voteLong <= 0 && voteShort <= 0 {
		return Result{NoSignal: true}, nil
	}

	// Step 4: argmax + margin.
	action := sig.ActionLong
	top := voteLong
	topMass := massLong
	if voteShort > voteLong {
		action = sig.ActionShort
		top = voteShort
		topMass = massShort
	}
	denom := voteLong + voteShort
	margin := 0.0
	if denom > 0 {
		margin = math.Abs(voteLong-voteShort) / denom
	}

	// Tie-break: no signal on marginal flips.
	if margin < cfg.MarginTieBreak {
		return Result{NoSignal: true, Margin: margin}, nil
	}

	// Step 5: scaled confidence — the weighted average confidence among
	// the votes backing the winning side, not a share of all surviving
	// confidence mass (which saturates to 100 whenever every vote agrees
	// on direction).
	confidence := 0.0
	if topMass > 0 {
		confidence = (top / topMass)
	}
	if confidence > 100 {
		confidence = 100
	}

	// Step 6: mix-dependent threshold.
	threshold, err := mixThreshold(cfg, regime, directionalCount, neutralCount)
	if err != nil {
		return Result{}, err
	}
	if threshold < 0 {
		// A single NEUTRAL source alone — rejected unconditionally.
		return Result{NoSignal: true, Margin: margin}, nil
	}

	if confidence < threshold {
		return Result{NoSignal: true, Confidence: confidence, Margin: margin}, nil
	}

	used := make([]sig.SourceVerdict, 0, len(votes))
	for _, v := range votes {
		used = append(used, v.verdict)
	}

	return Result{
		Action:     action,
		Confidence: confidence,
		Margin:     margin,
		Used:       used,
	}, nil
}

// mixThreshold implements spec §4.2 step 6's verdict-mix-dependent
// acceptance threshold. Returns -1 to mean "always reject" (the
// single-NEUTRAL-source case).
func mixThreshold(cfg Config, regime sig.Regime, directional, neutral int) (float64, error) {
	total := directional + neutral
	switch {
	case total == 1 && directional == 1:
		return cfg.SingleDirectional, nil
	case total == 1 && neutral == 1:
		return -1, nil
	case total == 2 && neutral == 0:
		return cfg.TwoSameDirectional, nil
	case total == 2 && directional >= 1 && neutral >= 1:
		return mixedSourceThreshold, nil
	case total >= 3:
		base, ok := cfg.ThreeOrMoreBase[regime]
		if !ok {
			base = cfg.ThreeOrMoreBase[sig.RegimeUnknown]
		}
		return base, nil
	case total == 2:
		// Two NEUTRAL sources: the spec only names same-directional and
		// mixed pairs explicitly. Neither applies verbatim here, so this
		// falls back to the mixed threshold since, like the mixed case,
		// no single directional source anchors the vote.
		return mixedSourceThreshold, nil
	default:
		return 0, fmt.Errorf("consensus: unreachable verdict mix directional=%d neutral=%d", directional, neutral)
	}
}
