// Package riskfeed fetches strategy risk assessments from the external
// scoring service and converts them to basis points.
package riskfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const assessPath = "/assess-risk"

var (
	bpsScale = decimal.NewFromInt(10000)

	ErrNotConfigured = errors.New("risk feed url not configured")
)

// Options parameterise the client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Assessment is one reading with scores already in bps.
type Assessment struct {
	Protocol        string
	Strategy        string
	ScoreBps        uint64
	ConfidenceBps   uint64
	Level           string
	Recommendations []string
	ObservedAt      time.Time
	ModelVersion    string
	Raw             json.RawMessage
}

// Client talks to the scoring service.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewClient constructs a client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "risk_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Assess requests a score for the strategy at address, run by protocol.
func (c *Client) Assess(ctx context.Context, protocol, address string) (Assessment, error) {
	if c.baseURL == "" {
		return Assessment{}, ErrNotConfigured
	}
	body, err := json.Marshal(assessRequest{StrategyAddress: address, Protocol: protocol})
	if err != nil {
		return Assessment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+assessPath, bytes.NewReader(body))
	if err != nil {
		return Assessment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "prizevault/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Assessment{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Assessment{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Assessment{}, parseHTTPError(resp.StatusCode, payload)
	}

	var res assessResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Assessment{}, fmt.Errorf("decode assessment: %w", err)
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "unknown error"
		}
		return Assessment{}, fmt.Errorf("risk feed rejected %s: %s", address, res.Error)
	}
	a := res.Assessment

	score, err := toBps(a.RiskScore)
	if err != nil {
		return Assessment{}, fmt.Errorf("risk_score: %w", err)
	}
	confidence, err := toBps(a.Confidence)
	if err != nil {
		return Assessment{}, fmt.Errorf("confidence: %w", err)
	}
	observed := parseTimestamp(a.Timestamp)
	if observed.IsZero() {
		observed = c.now().UTC()
	}

	return Assessment{
		Protocol:        protocol,
		Strategy:        address,
		ScoreBps:        score,
		ConfidenceBps:   confidence,
		Level:           strings.ToUpper(a.RiskLevel),
		Recommendations: a.Recommendations,
		ObservedAt:      observed,
		ModelVersion:    a.ModelVersion,
		Raw:             json.RawMessage(payload),
	}, nil
}

// toBps maps a 0-1 fraction onto 0-10000.
func toBps(v decimal.Decimal) (uint64, error) {
	if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%s outside [0, 1]", v.String())
	}
	return uint64(v.Mul(bpsScale).Round(0).IntPart()), nil
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type assessRequest struct {
	StrategyAddress string `json:"strategy_address"`
	Protocol        string `json:"protocol,omitempty"`
}

type assessResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Assessment struct {
		RiskScore       decimal.Decimal `json:"risk_score"`
		RiskLevel       string          `json:"risk_level"`
		Confidence      decimal.Decimal `json:"confidence"`
		Recommendations []string        `json:"recommendations"`
		Timestamp       string          `json:"timestamp"`
		ModelVersion    string          `json:"model_version"`
	} `json:"assessment"`
}

// HTTPError is a non-200 response. StatusCode lets retry decide.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("risk feed error (%d)", e.Status)
	}
	return fmt.Sprintf("risk feed error (%d): %s", e.Status, e.Message)
}

func (e *HTTPError) StatusCode() int { return e.Status }

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return &HTTPError{Status: status, Message: apiErr.Detail}
		}
		if apiErr.Error != "" {
			return &HTTPError{Status: status, Message: apiErr.Error}
		}
	}
	return &HTTPError{Status: status, Message: strings.TrimSpace(string(payload))}
}
