package chainfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const nativeBody = `{
  "transactions": [
    {"hash": "n1", "to": "addr1", "value": "150000000", "type": "transfer"},
    {"hash": "n2", "to": "someone-else", "value": "100000000", "type": "transfer"},
    {"hash": "n3", "to": "addr1", "value": "100000000", "type": "contract_call"},
    {"to": "addr1", "value": "100000000", "type": "transfer"}
  ]
}`

const tokenBody = `{
  "result": {
    "list": [
      {"txid": "t1", "to": "addr1", "amount": "80000000000", "op": "transfer"},
      {"txid": "t2", "to": "addr1", "amount": "100000000", "op": "deploy"},
      {"txid": "t3", "to": "addr1", "amount": "100000000", "op": "mint"}
    ]
  }
}`

func feedServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNativeListDeposits(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(nativeBody))
	}))
	defer srv.Close()

	c := New(NativeConfig(srv.URL, 0, time.Second), zaptest.NewLogger(t))
	events := c.ListDeposits(context.Background(), "addr1")

	assert.Equal(t, "/address/addr1/transactions", gotPath)
	require.Len(t, events, 3, "entries without a tx id are dropped")
	assert.Equal(t, domain.RawDepositEvent{TxID: "n1", To: "addr1", RawAmount: "150000000", OpType: "transfer"}, events[0])

	var qualifying []string
	for _, ev := range events {
		if c.Qualifies(ev, "addr1") {
			qualifying = append(qualifying, ev.TxID)
		}
	}
	assert.Equal(t, []string{"n1"}, qualifying)
}

func TestTokenListDepositsFiltersContractOps(t *testing.T) {
	srv := feedServer(t, http.StatusOK, tokenBody)
	c := New(TokenConfig(srv.URL, decimal.RequireFromString("0.00125"), 0, time.Second), zaptest.NewLogger(t))

	events := c.ListDeposits(context.Background(), "addr1")
	require.Len(t, events, 3)

	assert.True(t, c.Qualifies(events[0], "addr1"))
	assert.False(t, c.Qualifies(events[1], "addr1"))
	assert.False(t, c.Qualifies(events[2], "addr1"))

	amount, err := c.Normalize(events[0].RawAmount)
	require.NoError(t, err)
	assert.Equal(t, "800", amount.String())
	assert.Equal(t, "1", c.Credits(amount).String())
}

func TestListDepositsSoftFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"rate limited", http.StatusTooManyRequests, ``},
		{"invalid json", http.StatusOK, `{"transactions": [`},
		{"wrong shape", http.StatusOK, `{"transactions": {"hash": "n1"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := feedServer(t, tc.status, tc.body)
			c := New(NativeConfig(srv.URL, 0, time.Second), zaptest.NewLogger(t))
			assert.Empty(t, c.ListDeposits(context.Background(), "addr1"))
		})
	}
}

func TestListDepositsTimeoutIsSoft(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := New(NativeConfig(srv.URL, 0, 50*time.Millisecond), zaptest.NewLogger(t))
	assert.Empty(t, c.ListDeposits(context.Background(), "addr1"))
}

func TestListDepositsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(NativeConfig(url, 0, time.Second), zaptest.NewLogger(t))
	assert.Empty(t, c.ListDeposits(context.Background(), "addr1"))
}

func TestNormalize(t *testing.T) {
	c := New(NativeConfig("http://unused", 0, 0), zaptest.NewLogger(t))

	amount, err := c.Normalize("150000000")
	require.NoError(t, err)
	assert.Equal(t, "1.5", amount.String())

	amount, err = c.Normalize("1")
	require.NoError(t, err)
	assert.Equal(t, "0.00000001", amount.String())

	_, err = c.Normalize("abc")
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = c.Normalize("1.5")
	assert.ErrorIs(t, err, domain.ErrMalformed)
}
