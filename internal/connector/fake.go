package connector

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/models"
)

// Fake is a deterministic, scriptable connector used by tests and the
// offline mode. Bars are served from a pre-seeded grid; failures can
// be injected per call to exercise the retry policy.
type Fake struct {
	mu sync.Mutex

	name    string
	bars    map[string]map[models.Timeframe][]Bar
	funding map[string]*FundingPoint
	oi      map[string]*OIPoint
	whale   []WhaleTx
	flows   []FlowRecord
	events  []EventRecord
	senti   *SentimentPoint
	markets []string

	// failures are consumed FIFO before any successful response.
	failures []*FetchError

	FetchCalls int
	closed     bool
}

// NewFake creates an empty fake connector.
func NewFake(name string) *Fake {
	return &Fake{
		name:    name,
		bars:    make(map[string]map[models.Timeframe][]Bar),
		funding: make(map[string]*FundingPoint),
		oi:      make(map[string]*OIPoint),
	}
}

func (f *Fake) Name() string { return f.name }

// SeedBars installs the full bar grid for a symbol/timeframe. Bars
// must be ascending; FetchOHLCV slices this grid by since/limit the
// way a paginated REST endpoint would.
func (f *Fake) SeedBars(symbol string, tf models.Timeframe, bars []Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bars[symbol] == nil {
		f.bars[symbol] = make(map[models.Timeframe][]Bar)
	}
	f.bars[symbol][tf] = bars
}

// SeedLinearBars generates count aligned bars starting at start with a
// gently drifting close, convenient for happy-path scenarios.
func (f *Fake) SeedLinearBars(symbol string, tf models.Timeframe, start time.Time, count int, base float64) {
	bars := make([]Bar, 0, count)
	step := tf.Duration()
	for i := 0; i < count; i++ {
		px := decimal.NewFromFloat(base + float64(i))
		bars = append(bars, Bar{
			Time:   tf.Truncate(start).Add(time.Duration(i) * step),
			Open:   px,
			High:   px.Add(decimal.NewFromInt(2)),
			Low:    px.Sub(decimal.NewFromInt(2)),
			Close:  px.Add(decimal.NewFromInt(1)),
			Volume: decimal.NewFromFloat(10.5),
		})
	}
	f.SeedBars(symbol, tf, bars)
}

// SetFunding installs the funding point returned for a symbol.
func (f *Fake) SetFunding(symbol string, p *FundingPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding[symbol] = p
}

// SetOpenInterest installs the OI point returned for a symbol.
func (f *Fake) SetOpenInterest(symbol string, p *OIPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oi[symbol] = p
}

// SetWhaleTransactions installs the transfer list served to fetches.
func (f *Fake) SetWhaleTransactions(txs []WhaleTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whale = txs
}

// SetETFFlows installs the flow records served to fetches.
func (f *Fake) SetETFFlows(flows []FlowRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = flows
}

// SetEvents installs the event calendar served to fetches.
func (f *Fake) SetEvents(events []EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

// SetSentiment installs the sentiment point served to fetches.
func (f *Fake) SetSentiment(p *SentimentPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senti = p
}

// SetMarkets installs the native symbol list.
func (f *Fake) SetMarkets(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = symbols
}

// FailNext queues failures that will be returned, in order, before the
// next successful responses.
func (f *Fake) FailNext(errs ...*FetchError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// takeFailure pops an injected failure, if any. Caller holds the lock.
func (f *Fake) takeFailure() *FetchError {
	if len(f.failures) == 0 {
		return nil
	}
	fe := f.failures[0]
	f.failures = f.failures[1:]
	return fe
}

func (f *Fake) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.FetchCalls++
	if fe := f.takeFailure(); fe != nil {
		return fe
	}
	return nil
}

func (f *Fake) FetchOHLCV(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]Bar, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	var out []Bar
	for _, b := range f.bars[symbol][tf] {
		if b.Time.Before(since) {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	meta := FetchMeta{ServerTime: time.Now().UTC()}
	if n := len(out); n > 0 {
		meta.Cursor = out[n-1].Time.Format(time.RFC3339)
	}
	return out, meta, nil
}

func (f *Fake) FetchLatestFunding(ctx context.Context, symbol string) (*FundingPoint, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	return f.funding[symbol], FetchMeta{}, nil
}

func (f *Fake) FetchOpenInterest(ctx context.Context, symbol string) (*OIPoint, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	return f.oi[symbol], FetchMeta{}, nil
}

func (f *Fake) FetchWhaleTransactions(ctx context.Context, address string, since, until time.Time, limit int) ([]WhaleTx, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	var out []WhaleTx
	for _, tx := range f.whale {
		if tx.Time.Before(since) || tx.Time.After(until) {
			continue
		}
		if address != "" && tx.FromAddress != address && tx.ToAddress != address {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, FetchMeta{}, nil
}

func (f *Fake) FetchETFFlows(ctx context.Context, asset string, lookbackDays int) ([]FlowRecord, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	var out []FlowRecord
	for _, fl := range f.flows {
		if fl.Asset == asset && !fl.Time.Before(cutoff) {
			out = append(out, fl)
		}
	}
	return out, FetchMeta{}, nil
}

func (f *Fake) FetchEventCalendar(ctx context.Context, monthsAhead int) ([]EventRecord, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	horizon := time.Now().UTC().AddDate(0, monthsAhead, 0)
	var out []EventRecord
	for _, ev := range f.events {
		if ev.Time.Before(horizon) {
			out = append(out, ev)
		}
	}
	return out, FetchMeta{}, nil
}

func (f *Fake) FetchSentiment(ctx context.Context) (*SentimentPoint, FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, FetchMeta{}, err
	}
	return f.senti, FetchMeta{}, nil
}

func (f *Fake) GetMarkets(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), f.markets...), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
