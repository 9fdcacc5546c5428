package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitpay/farecard/internal/ledgerclient"
	"github.com/transitpay/farecard/internal/models"
)

type tapFixture struct {
	term    *Terminal
	monitor *Monitor
	journal *Journal
	cache   *BalanceCache
	client  *ledgerclient.Client
}

func newTapFixture(t *testing.T, serverURL string, floor *decimal.Decimal) *tapFixture {
	dir := t.TempDir()

	journal, err := OpenJournal(filepath.Join(dir, "journal"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	cache := NewBalanceCache(filepath.Join(dir, "balances.json"), nil, decimal.RequireFromString("50.00"))
	client := ledgerclient.New(serverURL, "TERM-1", time.Second)
	monitor := NewMonitor(client, time.Second, time.Second, nil, nil)

	term := NewTerminal(Config{
		TerminalID:     "TERM-1",
		Fare:           decimal.RequireFromString("2.50"),
		OverdraftFloor: floor,
	}, client, monitor, journal, cache, SystemClock)

	return &tapFixture{term: term, monitor: monitor, journal: journal, cache: cache, client: client}
}

func TestTerminal_OfflineFareUsesCachedBalance(t *testing.T) {
	// No server at all; the monitor starts (and stays) offline.
	f := newTapFixture(t, "http://127.0.0.1:1", nil)

	result, err := f.term.ProcessFare(context.Background(), "CARD-001")
	require.NoError(t, err)

	assert.True(t, result.Offline)
	assert.True(t, result.PriorBalance.Equal(decimal.RequireFromString("50.00")))
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("47.50")))
	assert.Equal(t, 1, f.journal.PendingCount())

	cached, err := f.cache.Get("CARD-001")
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.RequireFromString("47.50")))
}

func TestTerminal_OfflineFaresMayGoNegative(t *testing.T) {
	f := newTapFixture(t, "http://127.0.0.1:1", nil)
	ctx := context.Background()

	require.NoError(t, f.cache.Set("CARD-001", decimal.RequireFromString("2.00")))

	result, err := f.term.ProcessFare(ctx, "CARD-001")
	require.NoError(t, err)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("-0.50")))

	// Repeated taps keep going; true funds are settled at sync time.
	result, err = f.term.ProcessFare(ctx, "CARD-001")
	require.NoError(t, err)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("-3.00")))
	assert.Equal(t, 2, f.journal.PendingCount())
}

func TestTerminal_OverdraftFloorRefusesTap(t *testing.T) {
	floor := decimal.Zero
	f := newTapFixture(t, "http://127.0.0.1:1", &floor)
	ctx := context.Background()

	require.NoError(t, f.cache.Set("CARD-001", decimal.RequireFromString("2.00")))

	_, err := f.term.ProcessFare(ctx, "CARD-001")
	var insufficient *ledgerclient.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Balance.Equal(decimal.RequireFromString("2.00")))

	// Nothing was charged or journaled.
	cached, err := f.cache.Get("CARD-001")
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.RequireFromString("2.00")))
	assert.Equal(t, 0, f.journal.PendingCount())
}

func TestTerminal_OnlineFareChargesServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/process_payment":
			json.NewEncoder(w).Encode(models.PaymentResponse{
				Status:       "success",
				UID:          "CARD-001",
				PriorBalance: decimal.RequireFromString("20.00"),
				FareAmount:   decimal.RequireFromString("2.50"),
				NewBalance:   decimal.RequireFromString("17.50"),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTapFixture(t, srv.URL, nil)
	ctx := context.Background()
	require.True(t, f.monitor.Probe(ctx))

	result, err := f.term.ProcessFare(ctx, "CARD-001")
	require.NoError(t, err)

	assert.False(t, result.Offline)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("17.50")))

	// The server's answer refreshed the local cache, and the journal entry
	// is already marked synced.
	cached, err := f.cache.Get("CARD-001")
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.RequireFromString("17.50")))
	assert.Equal(t, 0, f.journal.PendingCount())
}

func TestTerminal_FallsBackWhenServerDiesMidFare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))

	f := newTapFixture(t, srv.URL, nil)
	ctx := context.Background()
	require.True(t, f.monitor.Probe(ctx))

	// Server vanishes between the probe and the tap.
	srv.Close()

	result, err := f.term.ProcessFare(ctx, "CARD-001")
	require.NoError(t, err)

	assert.True(t, result.Offline)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("47.50")))
	assert.False(t, f.monitor.Online())
	assert.Equal(t, 1, f.journal.PendingCount())
}

func TestTerminal_FareAcceptedWhenCacheCannotPersist(t *testing.T) {
	dir := t.TempDir()

	journal, err := OpenJournal(filepath.Join(dir, "journal"), nil)
	require.NoError(t, err)
	defer journal.Close()

	// Parent directory does not exist, so every cache write fails.
	cache := NewBalanceCache(filepath.Join(dir, "missing", "nested", "balances.json"),
		nil, decimal.RequireFromString("50.00"))
	client := ledgerclient.New("http://127.0.0.1:1", "TERM-1", time.Second)
	monitor := NewMonitor(client, time.Second, time.Second, nil, nil)

	term := NewTerminal(Config{
		TerminalID: "TERM-1",
		Fare:       decimal.RequireFromString("2.50"),
	}, client, monitor, journal, cache, SystemClock)
	ctx := context.Background()

	// The rider is still charged; the storage failure is only logged.
	result, err := term.ProcessFare(ctx, "CARD-001")
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.True(t, result.PriorBalance.Equal(decimal.RequireFromString("50.00")))
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("47.50")))
	assert.Equal(t, 1, journal.PendingCount())

	balance, cached, err := term.CheckBalance(ctx, "CARD-001")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, balance.Equal(decimal.RequireFromString("50.00")))

	result, err = term.Topup(ctx, "CARD-001", decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("60.00")))
}

func TestTerminal_OfflineTopup(t *testing.T) {
	f := newTapFixture(t, "http://127.0.0.1:1", nil)
	ctx := context.Background()

	result, err := f.term.Topup(ctx, "CARD-001", decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("60.00")))
	assert.Equal(t, 1, f.journal.PendingCount())

	_, err = f.term.Topup(ctx, "CARD-001", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTerminal_CheckBalanceFallsBackToCache(t *testing.T) {
	f := newTapFixture(t, "http://127.0.0.1:1", nil)

	require.NoError(t, f.cache.Set("CARD-001", decimal.RequireFromString("12.00")))

	balance, cached, err := f.term.CheckBalance(context.Background(), "CARD-001")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, balance.Equal(decimal.RequireFromString("12.00")))
}
