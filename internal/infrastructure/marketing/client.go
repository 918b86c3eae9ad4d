// Package marketing reads campaign performance from the ad platform API.
package marketing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// maxResponseSize limits the response body size to prevent memory exhaustion
	maxResponseSize = 5 * 1024 * 1024
	// maxErrorBody is how much of an error response ends up in the error message
	maxErrorBody = 512

	metricsPath = "/campaigns/metrics"
	dateLayout  = "2006-01-02"
)

// metricsResponse is the body of GET /campaigns/metrics
type metricsResponse struct {
	Data []analytics.CampaignMetric `json:"data"`
}

// Client fetches campaign metrics with an OAuth2 authorized HTTP client.
// Responses are cached per date range for the cache TTL. Failed requests are
// not retried.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *lru.LRU[string, []analytics.CampaignMetric]
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBaseHTTPClient sets the HTTP client used for both the token exchange
// and API calls
func WithBaseHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the configured ad platform
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c.httpClient = authorizedClient(cfg, c.httpClient)
	c.cache = lru.NewLRU[string, []analytics.CampaignMetric](cfg.CacheSize, nil, cfg.CacheTTL)
	return c, nil
}

// authorizedClient wraps base with the configured OAuth2 grant. Tokens are
// fetched lazily and refreshed when they expire.
func authorizedClient(cfg Config, base *http.Client) *http.Client {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	var client *http.Client
	if cfg.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       cfg.Scopes,
		}
		client = oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	} else {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	}
	client.Timeout = base.Timeout
	return client
}

// CampaignMetrics returns campaign metrics for [since, until). The API takes
// inclusive dates, so until is moved back one day.
func (c *Client) CampaignMetrics(ctx context.Context, since, until time.Time) ([]analytics.CampaignMetric, error) {
	from := since.UTC().Format(dateLayout)
	to := until.UTC().AddDate(0, 0, -1).Format(dateLayout)
	key := from + "|" + to

	if cached, ok := c.cache.Get(key); ok {
		return append([]analytics.CampaignMetric(nil), cached...), nil
	}

	ctx, span := telemetry.StartSpan(ctx, "marketing.campaign_metrics",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("marketing.since", from),
		telemetry.WithAttribute("marketing.until", to))
	defer span.End()

	start := time.Now()
	metrics, err := c.fetch(ctx, from, to)
	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Warn("Failed to fetch campaign metrics",
			zap.String("since", from),
			zap.String("until", to),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	telemetry.SetAttributes(span, "marketing.campaigns", len(metrics))
	c.logger.Debug("Fetched campaign metrics",
		zap.String("since", from),
		zap.String("until", to),
		zap.Int("campaigns", len(metrics)),
		zap.Duration("duration", time.Since(start)))

	c.cache.Add(key, metrics)
	return append([]analytics.CampaignMetric(nil), metrics...), nil
}

func (c *Client) fetch(ctx context.Context, from, to string) ([]analytics.CampaignMetric, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, metricsPath)
	if err != nil {
		return nil, fmt.Errorf("build marketing URL: %w", err)
	}
	q := url.Values{}
	q.Set("since", from)
	q.Set("until", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create marketing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read marketing response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := truncate(strings.TrimSpace(string(body)), maxErrorBody)
		return nil, fmt.Errorf("marketing API returned status %d: %s", resp.StatusCode, msg)
	}

	var parsed metricsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode marketing response: %w", err)
	}
	for i := range parsed.Data {
		parsed.Data[i].Channel = strings.TrimSpace(parsed.Data[i].Channel)
	}
	return parsed.Data, nil
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Purge drops every cached response
func (c *Client) Purge() {
	c.cache.Purge()
}

// Disabled is the source used when no ad platform is configured
type Disabled struct{}

// CampaignMetrics returns no campaigns
func (Disabled) CampaignMetrics(context.Context, time.Time, time.Time) ([]analytics.CampaignMetric, error) {
	return nil, nil
}

var (
	_ analytics.MarketingSource = (*Client)(nil)
	_ analytics.MarketingSource = Disabled{}
)
