package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fee-lens/pkg/breaker"
	"fee-lens/pkg/cache"
	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider[T any] struct {
	name  string
	calls atomic.Int32
	fn    func() (T, error)
}

func (p *fakeProvider[T]) Name() string { return p.name }

func (p *fakeProvider[T]) Fetch(context.Context) (T, error) {
	p.calls.Add(1)
	return p.fn()
}

var errDown = errors.New("provider down")

func feeAt(name string, rate float64) *fakeProvider[types.FeeEstimate] {
	return &fakeProvider[types.FeeEstimate]{name: name, fn: func() (types.FeeEstimate, error) {
		return types.FeeEstimate{RecommendedFeeSatsPerVb: rate, Confidence: types.ConfidenceHigh}, nil
	}}
}

func feeDown(name string) *fakeProvider[types.FeeEstimate] {
	return &fakeProvider[types.FeeEstimate]{name: name, fn: func() (types.FeeEstimate, error) {
		return types.FeeEstimate{}, errDown
	}}
}

func priceAt(name string, price float64) *fakeProvider[types.PriceData] {
	return &fakeProvider[types.PriceData]{name: name, fn: func() (types.PriceData, error) {
		return types.PriceData{Price: price, Confidence: types.ConfidenceHigh}, nil
	}}
}

func priceDown(name string) *fakeProvider[types.PriceData] {
	return &fakeProvider[types.PriceData]{name: name, fn: func() (types.PriceData, error) {
		return types.PriceData{}, errDown
	}}
}

func newDeps(t *testing.T, opts breaker.Options) Deps {
	t.Helper()
	store, err := cache.NewMemoryStore(context.Background(), cache.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return Deps{
		Registry: breaker.NewRegistry(opts, zerolog.Nop(), nil),
		Loader:   cache.NewLoader(store, zerolog.Nop(), nil),
		Logger:   zerolog.Nop(),
	}
}

func TestFeeServiceFirstProvider(t *testing.T) {
	a := feeAt("a", 12)
	b := feeAt("b", 20)
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))

	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, 12.0, est.RecommendedFeeSatsPerVb)
	assert.Equal(t, "a", est.Source)
	assert.False(t, est.FallbackUsed)
	assert.False(t, est.Timestamp.IsZero())
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFeeServiceCachesResult(t *testing.T) {
	a := feeAt("a", 12)
	svc := NewFeeService([]FeeProvider{a}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	ctx := context.Background()

	svc.GetFeeEstimate(ctx)
	est := svc.GetFeeEstimate(ctx)
	assert.Equal(t, "a", est.Source)
	assert.Equal(t, int32(1), a.calls.Load())

	info, err := svc.CacheInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Cached)
	assert.Equal(t, time.Minute, info.TTL)

	require.NoError(t, svc.InvalidateCache(ctx))
	svc.GetFeeEstimate(ctx)
	assert.Equal(t, int32(2), a.calls.Load())

	require.NoError(t, svc.Refresh(ctx))
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestFeeServiceFailsOver(t *testing.T) {
	a := feeDown("a")
	b := feeAt("b", 7)
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))

	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, "b", est.Source)
	assert.Equal(t, 7.0, est.RecommendedFeeSatsPerVb)
	assert.True(t, est.FallbackUsed)
	require.Len(t, est.Errors, 1)
	assert.Contains(t, est.Errors[0], "provider down")
}

func TestFeeServiceStaticFallback(t *testing.T) {
	a := feeDown("a")
	b := feeDown("b")
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	ctx := context.Background()

	est := svc.GetFeeEstimate(ctx)
	assert.Equal(t, float64(StaticConservativeRate), est.RecommendedFeeSatsPerVb)
	assert.Equal(t, "default", est.Source)
	assert.Equal(t, types.ConfidenceLow, est.Confidence)
	assert.True(t, est.FallbackUsed)
	assert.Len(t, est.Errors, 2)
	assert.JSONEq(t, `{
		"static_fallback": true,
		"available_rates": {"conservative": 10, "normal": 6, "minimum": 1},
		"selected_rate": 10,
		"reason": "All API sources failed"
	}`, string(est.Debug))

	// fallback answers are not cached
	svc.GetFeeEstimate(ctx)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestFeeServiceOpenBreakersSkipProviders(t *testing.T) {
	opts := breaker.DefaultOptions()
	opts.FailureThreshold = 1
	a := feeDown("a")
	b := feeDown("b")
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, opts))
	ctx := context.Background()

	svc.GetFeeEstimate(ctx)
	for _, p := range svc.Providers() {
		assert.Equal(t, "OPEN", p.Breaker.State, p.Name)
	}

	est := svc.GetFeeEstimate(ctx)
	assert.Equal(t, "default", est.Source)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	for _, e := range est.Errors {
		assert.Contains(t, e, "circuit breaker")
	}
}

func TestFeeServiceRejectsOutOfBoundsRates(t *testing.T) {
	high := feeAt("high", 5000)
	zero := feeAt("zero", 0)
	ok := feeAt("ok", 3)
	svc := NewFeeService([]FeeProvider{high, zero, ok}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))

	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, "ok", est.Source)
	assert.Len(t, est.Errors, 2)
	assert.Contains(t, est.Errors[0], "outside")
}

func TestFeeServiceSingleSource(t *testing.T) {
	a := feeAt("a", 12)
	b := feeAt("b", 20)
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	ctx := context.Background()

	est := svc.GetFeeEstimateFrom(ctx, "b")
	assert.Equal(t, "b", est.Source)
	assert.False(t, est.FallbackUsed)
	assert.Equal(t, int32(0), a.calls.Load())

	// a failing requested source does not fall through to the others
	down := feeDown("down")
	svc = NewFeeService([]FeeProvider{a, down}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	est = svc.GetFeeEstimateFrom(ctx, "down")
	assert.Equal(t, "default", est.Source)
	assert.Equal(t, int32(0), a.calls.Load())

	// unknown names are ignored
	est = svc.GetFeeEstimateFrom(ctx, "nope")
	assert.Equal(t, "a", est.Source)
}

func TestFeeServiceDisableProvider(t *testing.T) {
	a := feeAt("a", 12)
	b := feeAt("b", 20)
	svc := NewFeeService([]FeeProvider{a, b}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	ctx := context.Background()

	require.NoError(t, svc.DisableProvider("a"))
	assert.ErrorIs(t, svc.DisableProvider("zzz"), ErrUnknownProvider)

	est := svc.GetFeeEstimate(ctx)
	assert.Equal(t, "b", est.Source)
	assert.Equal(t, int32(0), a.calls.Load())

	est = svc.GetFeeEstimateFrom(ctx, "a")
	assert.Equal(t, "default", est.Source)
	require.Len(t, est.Errors, 1)
	assert.Contains(t, est.Errors[0], ErrProviderDisabled.Error())

	require.NoError(t, svc.EnableProvider("a"))
	require.NoError(t, svc.InvalidateCache(ctx))
	est = svc.GetFeeEstimateFrom(ctx, "a")
	assert.Equal(t, "a", est.Source)

	statuses := svc.Providers()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.False(t, statuses[0].Disabled)
}

func TestFeeServiceRetries(t *testing.T) {
	var n atomic.Int32
	flaky := &fakeProvider[types.FeeEstimate]{name: "flaky", fn: func() (types.FeeEstimate, error) {
		if n.Add(1) < 3 {
			return types.FeeEstimate{}, errDown
		}
		return types.FeeEstimate{RecommendedFeeSatsPerVb: 4}, nil
	}}
	cfg := DefaultFeeConfig()
	cfg.Attempts = 3
	opts := breaker.DefaultOptions()
	opts.FailureThreshold = 5
	svc := NewFeeService([]FeeProvider{flaky}, cfg, nil, newDeps(t, opts))

	var slept []time.Duration
	svc.agg.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, "flaky", est.Source)
	assert.Equal(t, int32(3), flaky.calls.Load())
	require.Len(t, slept, 2)
	assert.GreaterOrEqual(t, slept[1], 2*cfg.RetryDelay)
}

func TestServicesDefaultRetryDelay(t *testing.T) {
	deps := newDeps(t, breaker.DefaultOptions())

	fee := NewFeeService([]FeeProvider{feeAt("a", 2)}, FeeConfig{Attempts: 2}, nil, deps)
	assert.Equal(t, DefaultFeeConfig().RetryDelay, fee.agg.retryBase)

	price := NewPriceService([]PriceProvider{priceAt("a", 1)}, PriceConfig{Attempts: 2}, deps)
	assert.Equal(t, DefaultPriceConfig().RetryDelay, price.agg.retryBase)

	price = NewPriceService([]PriceProvider{priceAt("b", 1)}, PriceConfig{Attempts: 2, RetryDelay: time.Second}, deps)
	assert.Equal(t, time.Second, price.agg.retryBase)
}

type staticPrice float64

func (p staticPrice) GetPrice(context.Context, string) types.PriceData {
	return types.PriceData{Price: float64(p)}
}

func TestFeeServiceAttachesPrice(t *testing.T) {
	svc := NewFeeService([]FeeProvider{feeAt("a", 5)}, DefaultFeeConfig(), staticPrice(65000), newDeps(t, breaker.DefaultOptions()))
	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, 65000.0, est.BTCPrice)

	svc = NewFeeService([]FeeProvider{feeAt("a", 5)}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))
	assert.Zero(t, svc.GetFeeEstimate(context.Background()).BTCPrice)
}

func TestAggregatorRoundRobin(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultOptions(), zerolog.Nop(), nil)
	providers := []Provider[types.PriceData]{priceAt("a", 1), priceAt("b", 2), priceAt("c", 3)}
	agg := newAggregator("price", providers, reg, 1, 0, validatePrice, zerolog.Nop(), nil)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, agg.fetch(context.Background(), "").provider)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	names := func(ss []*source[types.PriceData]) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.provider.Name())
		}
		return out
	}
	assert.Equal(t, []string{"b", "c", "a"}, names(agg.order()))

	require.NoError(t, agg.setDisabled("c", true))
	assert.Equal(t, []string{"b", "a"}, names(agg.order()))
}

func TestRoundRobinSkipsOpenProviders(t *testing.T) {
	opts := breaker.DefaultOptions()
	opts.FailureThreshold = 1
	deps := newDeps(t, opts)
	a, b, c := feeAt("a", 3), feeAt("b", 4), feeAt("c", 5)
	svc := NewFeeService([]FeeProvider{a, b, c}, DefaultFeeConfig(), nil, deps)
	ctx := context.Background()

	err := deps.Registry.Get("fees:a").Execute(ctx, func(context.Context) error { return errDown })
	require.Error(t, err)
	require.False(t, deps.Registry.Get("fees:a").Ready())

	used := map[string]int{}
	for i := 0; i < 6; i++ {
		require.NoError(t, svc.InvalidateCache(ctx))
		est := svc.GetFeeEstimate(ctx)
		assert.False(t, est.FallbackUsed, est.Source)
		assert.Empty(t, est.Errors)
		used[est.Source]++
	}
	assert.Equal(t, map[string]int{"b": 3, "c": 3}, used)
	assert.Zero(t, a.calls.Load())
}

func TestPriceService(t *testing.T) {
	a := priceDown("coingecko")
	b := priceAt("binance", 64000.5)
	svc := NewPriceService([]PriceProvider{a, b}, DefaultPriceConfig(), newDeps(t, breaker.DefaultOptions()))
	ctx := context.Background()

	p := svc.GetPrice(ctx, "")
	assert.Equal(t, 64000.5, p.Price)
	assert.Equal(t, "binance", p.Source)
	assert.True(t, p.FallbackUsed)

	p = svc.GetPrice(ctx, "")
	assert.Equal(t, int32(1), b.calls.Load(), "second lookup is cached")

	p = svc.GetPrice(ctx, "binance")
	assert.False(t, p.FallbackUsed)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestPriceServiceStaticFallback(t *testing.T) {
	cfg := DefaultPriceConfig()
	cfg.StaticPrice = 50000
	svc := NewPriceService([]PriceProvider{priceDown("a"), priceAt("zero", 0)}, cfg, newDeps(t, breaker.DefaultOptions()))

	p := svc.GetPrice(context.Background(), "")
	assert.Equal(t, 50000.0, p.Price)
	assert.Equal(t, "default", p.Source)
	assert.Equal(t, types.ConfidenceLow, p.Confidence)
	assert.True(t, p.FallbackUsed)
	assert.Len(t, p.Errors, 2)
}

func TestHTTPFetcherStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/legal":
			w.WriteHeader(http.StatusUnavailableForLegalReasons)
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/auth":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second)
	ctx := context.Background()

	body, err := f.FetchRaw(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, err = f.FetchRaw(ctx, srv.URL+"/legal")
	assert.ErrorIs(t, err, breaker.ErrPermanent)
	_, err = f.FetchRaw(ctx, srv.URL+"/limited")
	assert.ErrorIs(t, err, errRateLimit)
	_, err = f.FetchRaw(ctx, srv.URL+"/auth")
	assert.ErrorIs(t, err, errAuth)
	_, err = f.FetchRaw(ctx, srv.URL+"/other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPermanentFailureDisablesProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnavailableForLegalReasons)
	}))
	defer srv.Close()

	p := NewMempoolFeeProvider(srv.URL, NewHTTPFetcher(time.Second))
	svc := NewFeeService([]FeeProvider{p}, DefaultFeeConfig(), nil, newDeps(t, breaker.DefaultOptions()))

	est := svc.GetFeeEstimate(context.Background())
	assert.Equal(t, "default", est.Source)
	assert.Equal(t, "PERMANENTLY_OPEN", svc.Providers()[0].Breaker.State)
}

func TestMempoolFeeProvider(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/fees/recommended", r.URL.Path)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p := NewMempoolFeeProvider(srv.URL+"/api/", NewHTTPFetcher(time.Second))
	ctx := context.Background()

	tests := []struct {
		name       string
		body       string
		rate       float64
		confidence types.Confidence
	}{
		{"fastest", `{"fastestFee":25,"halfHourFee":20,"hourFee":15,"economyFee":8,"minimumFee":4}`, 25, types.ConfidenceHigh},
		{"half hour", `{"fastestFee":0,"halfHourFee":20}`, 20, types.ConfidenceMedium},
		{"neither", `{"fastestFee":0.5,"halfHourFee":0}`, StaticNormalRate, types.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body = tt.body
			est, err := p.Fetch(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.rate, est.RecommendedFeeSatsPerVb)
			assert.Equal(t, tt.confidence, est.Confidence)
			assert.Equal(t, "mempool", est.Source)
			assert.JSONEq(t, tt.body, string(est.Debug))
		})
	}

	body = `not json`
	_, err := p.Fetch(ctx)
	assert.Error(t, err)
}

func TestEsploraFeeProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fee-estimates", r.URL.Path)
		_, _ = w.Write([]byte(`{"1":30.5,"2":25,"3":20,"6":12,"144":3,"1008":1.2}`))
	}))
	defer srv.Close()

	est, err := NewEsploraFeeProvider(srv.URL, NewHTTPFetcher(time.Second)).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.5, est.RecommendedFeeSatsPerVb)
	assert.Equal(t, 20.0, est.HalfHourFee)
	assert.Equal(t, 12.0, est.HourFee)
	assert.Equal(t, 3.0, est.EconomyFee)
	assert.Equal(t, 1.2, est.MinimumFee)
	assert.Equal(t, types.ConfidenceHigh, est.Confidence)

	_, err = normalizeEsplora(map[string]float64{"x": 1, "2": 0}, nil, "esplora", time.Now())
	assert.Error(t, err)

	est, err = normalizeEsplora(map[string]float64{"6": 9, "25": 4}, nil, "esplora", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 9.0, est.RecommendedFeeSatsPerVb)
	assert.Equal(t, types.ConfidenceMedium, est.Confidence)
}

type fakeNode struct {
	res  *btcjson.EstimateSmartFeeResult
	err  error
	mode btcjson.EstimateSmartFeeMode
}

func (n *fakeNode) EstimateSmartFee(_ int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
	n.mode = *mode
	return n.res, n.err
}

func TestNodeFeeProvider(t *testing.T) {
	rate := 0.00012345
	node := &fakeNode{res: &btcjson.EstimateSmartFeeResult{FeeRate: &rate, Blocks: 2}}
	p := NewNodeFeeProvider(node, 2, "conservative")

	est, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.0, est.RecommendedFeeSatsPerVb)
	assert.Equal(t, types.ConfidenceHigh, est.Confidence)
	assert.Equal(t, btcjson.EstimateModeConservative, node.mode)

	node.res.Blocks = 6
	est, _ = p.Fetch(context.Background())
	assert.Equal(t, types.ConfidenceMedium, est.Confidence)
	node.res.Blocks = 144
	est, _ = p.Fetch(context.Background())
	assert.Equal(t, types.ConfidenceLow, est.Confidence)

	node.res = &btcjson.EstimateSmartFeeResult{Errors: []string{"Insufficient data or no feerate found"}}
	_, err = p.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient data")

	node.err = errDown
	_, err = p.Fetch(context.Background())
	assert.ErrorIs(t, err, errDown)
}

func TestPriceProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coingecko":
			_, _ = w.Write([]byte(`{"bitcoin":{"usd":64123.5}}`))
		case "/binance":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"64100.01000000"}`))
		case "/binance-bad":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"n/a"}`))
		case "/coinpaprika":
			_, _ = w.Write([]byte(`{"symbol":"BTC","quotes":{"USD":{"price":64090.2}}}`))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second)
	ctx := context.Background()

	p, err := NewCoinGeckoPriceProvider(srv.URL+"/coingecko", f).Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64123.5, p.Price)
	assert.Equal(t, "coingecko", p.Source)

	p, err = NewBinancePriceProvider(srv.URL+"/binance", f).Fetch(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 64100.01, p.Price, 1e-9)

	_, err = NewBinancePriceProvider(srv.URL+"/binance-bad", f).Fetch(ctx)
	assert.Error(t, err)

	p, err = NewCoinpaprikaPriceProvider(srv.URL+"/coinpaprika", f).Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64090.2, p.Price)
	assert.Equal(t, types.ConfidenceHigh, p.Confidence)
}

type countingRefresh struct{ n atomic.Int32 }

func (c *countingRefresh) Refresh(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestRefresher(t *testing.T) {
	target := &countingRefresh{}
	r := NewRefresher(10*time.Millisecond, zerolog.Nop(), target)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return target.n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// a zero interval disables it
	NewRefresher(0, zerolog.Nop(), target).Run(context.Background())
}
