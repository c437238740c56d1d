package source

import (
	"context"
	"fmt"
	"time"

	"github.com/signalmesh/engine/internal/indicators"
	sig "github.com/signalmesh/engine/internal/signal"
)

// TechnicalSource is a Source implementation driven by the RSI/MACD
// indicators computed over the snapshot's candle window (spec §4.1: "a
// source differs only in its internal implementation"). Grounded on
// internal/indicators/rsi.go and macd.go, whose MCP-tool-call argument
// shape (map[string]interface{} in, typed result out) is kept verbatim
// here — this package just calls them directly instead of through an
// MCP round-trip, since §4.1's contract is a plain Go interface, not an
// MCP tool (see DESIGN.md's dropped-dependency ledger for modelcontext-
// protocol/go-sdk).
type TechnicalSource struct {
	id  string
	svc *indicators.Service
}

// NewTechnicalSource constructs a Source backed by indicators.Service.
func NewTechnicalSource(id string, svc *indicators.Service) *TechnicalSource {
	return &TechnicalSource{id: id, svc: svc}
}

func (t *TechnicalSource) ID() string { return t.id }

func (t *TechnicalSource) Capabilities() Capabilities {
	return Capabilities{
		Supports:        map[SymbolClass]bool{ClassEquity: true, ClassCrypto: true},
		RateLimitPerSec: 10,
	}
}

// FetchVerdict derives a directional verdict from RSI overbought/oversold
// bands and MACD histogram sign, expressed as a SourceVerdict per spec §3.
func (t *TechnicalSource) FetchVerdict(ctx context.Context, symbol sig.Symbol, now time.Time, snapshot *Snapshot) (sig.SourceVerdict, *SourceError) {
	if snapshot == nil || len(snapshot.Bars) < 20 {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrMalformedResponse, Err: fmt.Errorf("technical: insufficient candle history")}
	}

	closes := make([]interface{}, len(snapshot.Bars))
	for i, c := range snapshot.Bars {
		closes[i] = c.Close
	}

	rsiRaw, err := t.svc.CalculateRSI(map[string]interface{}{"prices": closes, "period": 14})
	if err != nil {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrMalformedResponse, Err: err}
	}
	rsi, ok := rsiRaw.(*indicators.RSIResult)
	if !ok {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrMalformedResponse, Err: fmt.Errorf("technical: unexpected RSI result type")}
	}

	macdRaw, err := t.svc.CalculateMACD(map[string]interface{}{"prices": closes})
	if err != nil {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrMalformedResponse, Err: err}
	}
	macd, ok := macdRaw.(*indicators.MACDResult)
	if !ok {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrMalformedResponse, Err: fmt.Errorf("technical: unexpected MACD result type")}
	}

	verdict, confidence := combineRSIAndMACD(rsi, macd)

	return sig.SourceVerdict{
		SourceID:   t.id,
		Verdict:    verdict,
		Confidence: confidence,
		Features: map[string]sig.Feature{
			"rsi":            sig.NumberFeature(rsi.Value),
			"rsi_signal":     sig.StringFeature(rsi.Signal),
			"macd_histogram": sig.NumberFeature(macd.Histogram),
		},
		GeneratedAt: now,
	}, nil
}

func combineRSIAndMACD(rsi *indicators.RSIResult, macd *indicators.MACDResult) (sig.Action, float64) {
	switch {
	case rsi.Signal == "oversold" && macd.Histogram > 0:
		return sig.ActionLong, 78
	case rsi.Signal == "overbought" && macd.Histogram < 0:
		return sig.ActionShort, 78
	case rsi.Signal == "oversold":
		return sig.ActionLong, 67
	case rsi.Signal == "overbought":
		return sig.ActionShort, 67
	case macd.Histogram > 0:
		return sig.ActionNeutral, 66
	default:
		return sig.ActionNeutral, 50
	}
}
