package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxAssetBytes = 16 << 20

// HTTPConfig configures HTTPProvider.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// HTTPProvider calls a JSON generation API:
//
//	POST {base}/v1/stages  -> {"content": "..."}
//	POST {base}/v1/assets  -> raw asset bytes
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (p *HTTPProvider) GenerateStage(ctx context.Context, spec StageSpec) (string, error) {
	body, err := p.post(ctx, "/v1/stages", spec, 1<<20)
	if err != nil {
		return "", fmt.Errorf("generate stage %s: %w", spec.Name, err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("generate stage %s: %w: invalid json", spec.Name, domain.ErrMalformed)
	}
	content := gjson.GetBytes(body, "content")
	if !content.Exists() || content.String() == "" {
		return "", fmt.Errorf("generate stage %s: %w: empty content", spec.Name, domain.ErrMalformed)
	}
	return content.String(), nil
}

func (p *HTTPProvider) GenerateAsset(ctx context.Context, spec AssetSpec) ([]byte, error) {
	body, err := p.post(ctx, "/v1/assets", spec, maxAssetBytes)
	if err != nil {
		return nil, fmt.Errorf("generate asset %s: %w", spec.Name, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("generate asset %s: %w: empty body", spec.Name, domain.ErrMalformed)
	}
	return body, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload any, limit int64) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrUnavailable, err)
	}
	p.logger.Debug("Content provider call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("request failed: %s - %s", resp.Status, string(body))
	}
	return body, nil
}
