package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/creditledger/internal/chainfeed"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/seen"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var tokenRate = decimal.RequireFromString("0.00125")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fundedAccount(t *testing.T, s store.Store, balance string) string {
	t.Helper()
	ctx := context.Background()
	address := "addr-" + uuid.NewString()
	_, err := s.CreateAccount(ctx, address)
	require.NoError(t, err)
	if b := dec(balance); b.IsPositive() {
		_, err = s.Credit(ctx, address, b)
		require.NoError(t, err)
	}
	return address
}

func balance(t *testing.T, s store.Store, address string) string {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), address)
	require.NoError(t, err)
	return acc.Balance.String()
}

// jsonServer serves body with {{addr}} replaced by the requested address.
func jsonServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(strings.ReplaceAll(body, "{{addr}}", parts[2])))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const nativeHistory = `{"transactions": [
  {"hash": "n1", "to": "{{addr}}", "value": "150000000", "type": "transfer"},
  {"hash": "n1", "to": "{{addr}}", "value": "150000000", "type": "transfer"},
  {"hash": "n2", "to": "{{addr}}", "value": "100000000", "type": "stake"},
  {"hash": "n3", "to": "elsewhere", "value": "100000000", "type": "transfer"}
]}`

const tokenHistory = `{"result": {"list": [
  {"txid": "t1", "to": "{{addr}}", "amount": "80000000000", "op": "transfer"},
  {"txid": "t2", "to": "{{addr}}", "amount": "80000000000", "op": "deploy"}
]}}`

func newFeeds(t *testing.T, native, token string) []Feed {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return []Feed{
		chainfeed.New(chainfeed.NativeConfig(jsonServer(t, native).URL, 0, time.Second), logger),
		chainfeed.New(chainfeed.TokenConfig(jsonServer(t, token).URL, tokenRate, 0, time.Second), logger),
	}
}

func newReconciler(t *testing.T, ledger store.Ledger, feeds []Feed, cache seen.Cache) *Reconciler {
	t.Helper()
	r := NewReconciler(ledger, feeds, cache, 4, zaptest.NewLogger(t))
	t.Cleanup(r.Close)
	return r
}

func TestReconcileAccountCreditsBothChains(t *testing.T) {
	s := store.NewMemory()
	address := fundedAccount(t, s, "0")
	r := newReconciler(t, s, newFeeds(t, nativeHistory, tokenHistory), nil)

	bal, err := r.ReconcileAccount(context.Background(), address)
	require.NoError(t, err)
	// 1.5 native plus 800 tokens at 1/800.
	assert.Equal(t, "2.5", bal.String())

	deposits, err := s.ListDeposits(context.Background(), address)
	require.NoError(t, err)
	require.Len(t, deposits, 2)

	byCoin := map[domain.CoinType]domain.ProcessedDeposit{}
	for _, d := range deposits {
		byCoin[d.CoinType] = d
	}
	assert.Equal(t, "n1", byCoin[domain.CoinNative].TxID)
	assert.Equal(t, "1.5", byCoin[domain.CoinNative].Credited.String())
	assert.Equal(t, "t1", byCoin[domain.CoinToken].TxID)
	assert.Equal(t, "800", byCoin[domain.CoinToken].Amount.String())
	assert.Equal(t, "1", byCoin[domain.CoinToken].Credited.String())
}

func TestReconcileAccountIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	address := fundedAccount(t, s, "0")
	r := newReconciler(t, s, newFeeds(t, nativeHistory, tokenHistory), seen.NewMemory())

	for i := 0; i < 3; i++ {
		bal, err := r.ReconcileAccount(context.Background(), address)
		require.NoError(t, err)
		assert.Equal(t, "2.5", bal.String())
	}
}

func TestConcurrentReconcileCreditsOnce(t *testing.T) {
	s := store.NewMemory()
	address := fundedAccount(t, s, "0")
	feeds := newFeeds(t, nativeHistory, tokenHistory)

	// Separate reconcilers model separate replicas with cold caches.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		r := newReconciler(t, s, feeds, seen.NewMemory())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ReconcileAccount(context.Background(), address); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "2.5", balance(t, s, address))
	deposits, err := s.ListDeposits(context.Background(), address)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)
}

func TestReconcileUnknownAccount(t *testing.T) {
	r := newReconciler(t, store.NewMemory(), newFeeds(t, nativeHistory, tokenHistory), nil)
	_, err := r.ReconcileAccount(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReconcileFeedOutageIsSoft(t *testing.T) {
	s := store.NewMemory()
	address := fundedAccount(t, s, "0")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	logger := zaptest.NewLogger(t)
	feeds := []Feed{
		chainfeed.New(chainfeed.NativeConfig(down.URL, 0, time.Second), logger),
		chainfeed.New(chainfeed.TokenConfig(jsonServer(t, tokenHistory).URL, tokenRate, 0, time.Second), logger),
	}
	r := newReconciler(t, s, feeds, nil)

	bal, err := r.ReconcileAccount(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())
}

func TestReconcileSkipsUnusableAmounts(t *testing.T) {
	s := store.NewMemory()
	address := fundedAccount(t, s, "0")
	native := `{"transactions": [
	  {"hash": "bad", "to": "{{addr}}", "value": "lots", "type": "transfer"},
	  {"hash": "zero", "to": "{{addr}}", "value": "0", "type": "transfer"},
	  {"hash": "ok", "to": "{{addr}}", "value": "100000000", "type": "transfer"}
	]}`
	r := newReconciler(t, s, newFeeds(t, native, `{"result": {"list": []}}`), nil)

	bal, err := r.ReconcileAccount(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())
}

// flakyLedger fails RecordDepositIfNew for selected addresses.
type flakyLedger struct {
	*store.Memory
	failFor map[string]bool
	calls   atomic.Int64
}

func (f *flakyLedger) RecordDepositIfNew(ctx context.Context, dep domain.ProcessedDeposit) (bool, error) {
	f.calls.Add(1)
	if f.failFor[dep.Address] {
		return false, fmt.Errorf("insert deposit: %w", domain.ErrUnavailable)
	}
	return f.Memory.RecordDepositIfNew(ctx, dep)
}

func TestReconcilePropagatesUnavailable(t *testing.T) {
	mem := store.NewMemory()
	address := fundedAccount(t, mem, "0")
	ledger := &flakyLedger{Memory: mem, failFor: map[string]bool{address: true}}
	cache := seen.NewMemory()
	r := newReconciler(t, ledger, newFeeds(t, nativeHistory, tokenHistory), cache)

	_, err := r.ReconcileAccount(context.Background(), address)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, "0", balance(t, mem, address))
	assert.Equal(t, 0, cache.Len(), "failed deposits are not remembered")
}

func TestSweepIsolatesFailures(t *testing.T) {
	mem := store.NewMemory()
	good1 := fundedAccount(t, mem, "0")
	bad := fundedAccount(t, mem, "0")
	good2 := fundedAccount(t, mem, "0")
	ledger := &flakyLedger{Memory: mem, failFor: map[string]bool{bad: true}}
	r := newReconciler(t, ledger, newFeeds(t, nativeHistory, tokenHistory), nil)

	report := r.Sweep(context.Background())
	assert.Equal(t, 3, report.Accounts)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 4, report.Applied)

	assert.Equal(t, "2.5", balance(t, mem, good1))
	assert.Equal(t, "2.5", balance(t, mem, good2))
	assert.Equal(t, "0", balance(t, mem, bad))
}
