package market

import (
	"context"
	"fmt"

	"github.com/signalmesh/engine/internal/regime"
	"github.com/signalmesh/engine/internal/source"
	sig "github.com/signalmesh/engine/internal/signal"
)

// coinGeckoIDs maps a canonical crypto Symbol (spec §3) to the CoinGecko
// coin id GetPrice/GetMarketChart expect. Kept small and explicit rather
// than resolved dynamically — the watchlist is configured up front, so
// there is no open-ended symbol space to support.
var coinGeckoIDs = map[string]string{
	"BTC-USD": "bitcoin",
	"ETH-USD": "ethereum",
	"SOL-USD": "solana",
	"ADA-USD": "cardano",
	"DOGE-USD": "dogecoin",
}

// CoinGeckoSnapshotSource implements generator.MarketDataSource for
// crypto symbols (spec §4.4 step 2's "primary market-data source"),
// grounded on CoinGeckoClient.GetPrice + GetMarketChart.ToCandlesticks
// (coingecko.go), reshaped from the MCP-tool call surface into the
// plain interface the generator's cycle loop consumes.
type CoinGeckoSnapshotSource struct {
	client       *CoinGeckoClient
	windowDays   int
	intervalMins int
}

// NewCoinGeckoSnapshotSource constructs a crypto snapshot source. windowDays
// controls how much history GetMarketChart requests; intervalMins controls
// the candle bucket width fed to the regime detector (spec §4.3: "~200
// bars at the target timeframe").
func NewCoinGeckoSnapshotSource(client *CoinGeckoClient, windowDays, intervalMins int) *CoinGeckoSnapshotSource {
	if windowDays <= 0 {
		windowDays = 7
	}
	if intervalMins <= 0 {
		intervalMins = 30
	}
	return &CoinGeckoSnapshotSource{client: client, windowDays: windowDays, intervalMins: intervalMins}
}

// FetchSnapshot satisfies internal/generator.MarketDataSource.
func (c *CoinGeckoSnapshotSource) FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error) {
	id, ok := coinGeckoIDs[string(symbol)]
	if !ok {
		return nil, nil, fmt.Errorf("market: no CoinGecko id configured for symbol %q", symbol)
	}

	price, err := c.client.GetPrice(ctx, id, "usd")
	if err != nil {
		return nil, nil, fmt.Errorf("market: GetPrice(%s): %w", id, err)
	}

	chart, err := c.client.GetMarketChart(ctx, id, c.windowDays)
	if err != nil {
		return nil, nil, fmt.Errorf("market: GetMarketChart(%s): %w", id, err)
	}

	sticks := chart.ToCandlesticks(c.intervalMins)
	if len(sticks) == 0 {
		return nil, nil, fmt.Errorf("market: no candles returned for %s", id)
	}

	bars := make([]regime.Candle, len(sticks))
	srcBars := make([]regime.Candle, len(sticks))
	for i, cs := range sticks {
		bar := regime.Candle{
			Time:   cs.Timestamp,
			Open:   cs.Open,
			High:   cs.High,
			Low:    cs.Low,
			Close:  cs.Close,
			Volume: cs.Volume,
		}
		bars[i] = bar
		srcBars[i] = bar
	}

	return &source.Snapshot{Price: price.Price, Bars: srcBars}, bars, nil
}

// SnapshotSource is the shape internal/generator.MarketDataSource expects;
// named here so Chained, SymbolRouter, and the equities placeholder share
// one definition instead of repeating the anonymous interface.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error)
}

// Chained wraps a primary and secondary MarketDataSource, falling back
// to the secondary when the primary errors (spec §4.4 step 2: "on
// failure, fall back to the secondary. Both failing -> skip symbol").
type Chained struct {
	Primary   SnapshotSource
	Secondary SnapshotSource
}

func (c Chained) FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error) {
	snap, bars, err := c.Primary.FetchSnapshot(ctx, symbol)
	if err == nil {
		return snap, bars, nil
	}
	if c.Secondary == nil {
		return nil, nil, err
	}
	return c.Secondary.FetchSnapshot(ctx, symbol)
}

// unsupportedEquitySource is returned for equity symbols until a real
// equities market-data provider is wired — the example pack (a crypto
// trading system) never imports one. Registering this as the sole
// source for an equities-only watchlist makes every equity cycle report
// MARKET_DATA_UNAVAILABLE rather than panic on a missing dependency.
type unsupportedEquitySource struct{}

// NewUnsupportedEquitySource returns a placeholder secondary source so
// an equities watchlist entry degrades to a clean per-cycle skip instead
// of a nil-pointer fault (see DESIGN.md for why no equities provider
// ships in this tree).
func NewUnsupportedEquitySource() SnapshotSource {
	return unsupportedEquitySource{}
}

func (unsupportedEquitySource) FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error) {
	if symbol.IsCrypto() {
		return nil, nil, fmt.Errorf("market: equities fallback invoked for crypto symbol %q", symbol)
	}
	return nil, nil, fmt.Errorf("market: no equities market-data provider configured for %q", symbol)
}

// SymbolRouter dispatches FetchSnapshot by the symbol's asset class, so one
// MarketDataSource can serve a watchlist mixing crypto and equity symbols
// (spec §3's Symbol.IsCrypto()).
type SymbolRouter struct {
	Crypto   SnapshotSource
	Equities SnapshotSource
}

func (r SymbolRouter) FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error) {
	if symbol.IsCrypto() {
		if r.Crypto == nil {
			return nil, nil, fmt.Errorf("market: no crypto market-data source configured for %q", symbol)
		}
		return r.Crypto.FetchSnapshot(ctx, symbol)
	}
	if r.Equities == nil {
		return nil, nil, fmt.Errorf("market: no equities market-data source configured for %q", symbol)
	}
	return r.Equities.FetchSnapshot(ctx, symbol)
}
