package chainfeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	feedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfeed_requests_total",
		Help: "Chain feed requests by outcome",
	}, []string{"chain", "outcome"})

	feedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfeed_request_duration_seconds",
		Help:    "Chain feed request latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain"})
)

// Config describes one chain feed. Response fields are addressed with gjson
// paths relative to each element of ResultsPath.
type Config struct {
	Name     string
	CoinType domain.CoinType

	// EndpointTemplate contains a single %s for the escaped address.
	EndpointTemplate string
	APIKey           string

	// Scale is the number of decimal places between the smallest unit and
	// the chain's native unit.
	Scale int32
	// Rate is the number of credits per native unit.
	Rate decimal.Decimal

	TransferTypes []string

	ResultsPath string
	TxIDPath    string
	ToPath      string
	AmountPath  string
	TypePath    string

	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client lists deposit events for an address from one chain's HTTP API.
// Every failure is soft: it is logged and yields no events.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(zap.String("chain", cfg.Name)),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) CoinType() domain.CoinType { return c.cfg.CoinType }

// ListDeposits fetches the most recent page of transactions for address and
// returns every event in it, qualifying or not. The feed has no cursor, so
// each call re-reads full recent history.
func (c *Client) ListDeposits(ctx context.Context, address string) []domain.RawDepositEvent {
	timer := prometheus.NewTimer(feedLatency.WithLabelValues(c.cfg.Name))
	defer timer.ObserveDuration()

	events, err := c.fetch(ctx, address)
	if err != nil {
		feedRequests.WithLabelValues(c.cfg.Name, "error").Inc()
		c.logger.Warn("Chain feed fetch failed, treating as empty",
			zap.String("address", address),
			zap.Error(err))
		return nil
	}
	feedRequests.WithLabelValues(c.cfg.Name, "ok").Inc()
	return events
}

func (c *Client) fetch(ctx context.Context, address string) ([]domain.RawDepositEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf(c.cfg.EndpointTemplate, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch deposits: %w: %w", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", domain.ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("fetch deposits: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch deposits: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}

	return c.parse(body)
}

func (c *Client) parse(body []byte) ([]domain.RawDepositEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode deposits: %w: invalid json", domain.ErrMalformed)
	}
	results := gjson.ParseBytes(body)
	if c.cfg.ResultsPath != "" {
		results = results.Get(c.cfg.ResultsPath)
	}
	if !results.IsArray() {
		return nil, fmt.Errorf("decode deposits: %w: %q is not an array", domain.ErrMalformed, c.cfg.ResultsPath)
	}

	var events []domain.RawDepositEvent
	for _, item := range results.Array() {
		ev := domain.RawDepositEvent{
			TxID:      item.Get(c.cfg.TxIDPath).String(),
			To:        item.Get(c.cfg.ToPath).String(),
			RawAmount: item.Get(c.cfg.AmountPath).String(),
			OpType:    item.Get(c.cfg.TypePath).String(),
		}
		if ev.TxID == "" {
			c.logger.Debug("Skipping feed entry without transaction id", zap.String("raw", item.Raw))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Qualifies reports whether ev is a plain transfer into address.
func (c *Client) Qualifies(ev domain.RawDepositEvent, address string) bool {
	if ev.To != address {
		return false
	}
	for _, t := range c.cfg.TransferTypes {
		if strings.EqualFold(ev.OpType, t) {
			return true
		}
	}
	return false
}

// Normalize converts a smallest-unit integer string to native units.
func (c *Client) Normalize(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", domain.ErrMalformed, raw, err)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not an integer", domain.ErrMalformed, raw)
	}
	return amount.Shift(-c.cfg.Scale), nil
}

// Credits converts a native-unit amount into credits.
func (c *Client) Credits(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.cfg.Rate)
}
