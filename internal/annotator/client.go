// Package annotator is the HTTP client for the analysis provider. It produces
// candidate tips for fixtures and current odds for published tips.
package annotator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tip-automation/internal/config"
	"tip-automation/internal/model"
)

// ErrUnexpectedStatus is returned for any non-2xx provider response.
var ErrUnexpectedStatus = errors.New("unexpected provider status")

// maxErrorBody bounds how much of an error response is kept in the error text.
const maxErrorBody = 512

// Client calls the analysis provider. Requests share one rate limiter.
type Client struct {
	baseURL    string
	provider   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client from process configuration. A non-positive request
// rate disables limiting.
func New(cfg *config.AnnotatorConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "default"
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		provider: provider,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider names the analysis provider for usage accounting.
func (c *Client) Provider() string {
	return c.provider
}

type analyzeRequest struct {
	FixtureID  int64     `json:"fixture_id"`
	HomeTeamID int64     `json:"home_team_id"`
	AwayTeamID int64     `json:"away_team_id"`
	LeagueID   int64     `json:"league_id"`
	Kickoff    time.Time `json:"kickoff"`
	Venue      string    `json:"venue,omitempty"`
}

type analysisPayload struct {
	ValueRating        float64  `json:"value_rating"`
	ImpliedProbability float64  `json:"implied_probability"`
	ModelProbability   float64  `json:"model_probability"`
	RiskFactors        []string `json:"risk_factors"`
	MarketMovement     string   `json:"market_movement"`
}

type analyzeResponse struct {
	BetType     string           `json:"bet_type"`
	Line        *float64         `json:"line"`
	Odds        float64          `json:"odds"`
	Confidence  int              `json:"confidence"`
	Explanation string           `json:"explanation"`
	Analysis    *analysisPayload `json:"analysis"`
}

type oddsResponse struct {
	Odds     float64 `json:"odds"`
	Movement string  `json:"movement"`
}

// Analyze asks the provider for a candidate tip on f. The candidate is not
// validated here.
func (c *Client) Analyze(ctx context.Context, f *model.Fixture) (*model.Candidate, error) {
	body, err := json.Marshal(analyzeRequest{
		FixtureID:  f.ID,
		HomeTeamID: f.HomeTeamID,
		AwayTeamID: f.AwayTeamID,
		LeagueID:   f.LeagueID,
		Kickoff:    f.Kickoff.UTC(),
		Venue:      f.Venue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	var resp analyzeResponse
	if err := c.do(ctx, http.MethodPost, "/analyze", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to analyze fixture %d: %w", f.ID, err)
	}

	cand := &model.Candidate{
		FixtureID:   f.ID,
		BetType:     model.BetType(resp.BetType),
		Line:        resp.Line,
		Odds:        resp.Odds,
		Confidence:  resp.Confidence,
		Explanation: resp.Explanation,
	}
	if a := resp.Analysis; a != nil {
		cand.Analysis = &model.TipAnalysis{
			ValueRating:        a.ValueRating,
			ImpliedProbability: a.ImpliedProbability,
			ModelProbability:   a.ModelProbability,
			RiskFactors:        a.RiskFactors,
			MarketMovement:     a.MarketMovement,
		}
	}
	return cand, nil
}

// CurrentOdds fetches the current price of the market a tip recommends.
func (c *Client) CurrentOdds(ctx context.Context, tip *model.Tip) (*model.OddsQuote, error) {
	q := url.Values{}
	q.Set("fixture_id", strconv.FormatInt(tip.FixtureID, 10))
	q.Set("bet_type", string(tip.BetType))
	if tip.Line != nil {
		q.Set("line", strconv.FormatFloat(*tip.Line, 'f', -1, 64))
	}

	var resp oddsResponse
	if err := c.do(ctx, http.MethodGet, "/odds", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get odds for tip %d: %w", tip.ID, err)
	}
	return &model.OddsQuote{Odds: resp.Odds, Movement: resp.Movement}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to close provider response body")
		}
	}()

	log.Debug().
		Str("provider", c.provider).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Provider request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
