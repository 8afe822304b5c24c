// Package inference is the HTTP client for the remote literature
// classification endpoints. Endpoints are slow (tens of seconds per call)
// and occasionally flaky; retry and breaker policy live in the pipeline,
// not here. This client does one call with a hard timeout, plus the one
// documented endpoint quirk (see Classify).
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is one endpoint's verdict on a literature record
type Result struct {
	Label          string          `json:"label"`
	ConfirmedFlag  bool            `json:"confirmedFlag"`
	SecondaryLabel string          `json:"secondaryLabel"`
	RawPayload     json.RawMessage `json:"-"`
}

// Client talks to a single classification endpoint
type Client struct {
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
}

// New creates a classification endpoint client with a hard request timeout
func New(name, baseURL, apiKey string, timeout time.Duration) *Client {
	log.Info().
		Str("endpoint", name).
		Str("base_url", baseURL).
		Dur("timeout", timeout).
		Msg("Initializing classification endpoint client")

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Name returns the configured endpoint name
func (c *Client) Name() string {
	return c.name
}

// Classify asks the endpoint for a classification of one record. Some
// deployed endpoints are case-sensitive on query parameter names: if the
// lowercase form is rejected, the call is retried once with capitalized
// parameter names before the failure is reported upward.
func (c *Client) Classify(ctx context.Context, pmid, sponsorHint, subjectName string) (*Result, error) {
	result, err := c.classify(ctx, map[string]string{
		"pmid":    pmid,
		"sponsor": sponsorHint,
		"subject": subjectName,
	})
	if err == nil {
		return result, nil
	}

	if !isRejected(err) {
		return nil, err
	}

	log.Debug().
		Str("endpoint", c.name).
		Str("pmid", pmid).
		Msg("Lowercase hint parameters rejected, retrying with capitalized casing")

	return c.classify(ctx, map[string]string{
		"Pmid":    pmid,
		"Sponsor": sponsorHint,
		"Subject": subjectName,
	})
}

type rejectedError struct {
	statusCode int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("endpoint rejected request with status %d", e.statusCode)
}

func isRejected(err error) bool {
	_, ok := err.(*rejectedError)
	return ok
}

func (c *Client) classify(ctx context.Context, params map[string]string) (*Result, error) {
	u, err := url.Parse(c.baseURL + "/classify")
	if err != nil {
		return nil, fmt.Errorf("error building request url: %w", err)
	}

	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().
			Str("endpoint", c.name).
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Classification request failed")
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return nil, &rejectedError{statusCode: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint %s returned status %d", c.name, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("error parsing classification response: %w", err)
	}
	result.RawPayload = body

	log.Debug().
		Str("endpoint", c.name).
		Str("label", result.Label).
		Bool("confirmed", result.ConfirmedFlag).
		Dur("duration", time.Since(start)).
		Msg("Classification completed")

	return &result, nil
}
