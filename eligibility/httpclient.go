package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Verify interface compliance at compile time.
var _ Checker = (*HTTPClient)(nil)

// HTTPClient is a Checker backed by a remote eligibility service. The
// response body is relayed verbatim as the lookup result.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPConfig configures the HTTP checker.
type HTTPConfig struct {
	BaseURL    string // defaults to ELIGIBILITY_API_URL
	APIKey     string // defaults to ELIGIBILITY_API_KEY, optional
	HTTPClient *http.Client
}

// NewHTTPClient creates a checker for a remote eligibility REST endpoint.
func NewHTTPClient(cfg *HTTPConfig) (*HTTPClient, error) {
	if cfg == nil {
		cfg = &HTTPConfig{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ELIGIBILITY_API_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("ELIGIBILITY_API_URL is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ELIGIBILITY_API_KEY")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}, nil
}

// APIError is a non-2xx response from the eligibility service.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eligibility API error %d: %s", e.Status, e.Message)
}

// CheckEligibility posts the request to the service and returns its JSON
// response.
func (c *HTTPClient) CheckEligibility(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := c.baseURL + "/eligibility/check"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("eligibility request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}

	if !json.Valid(respBody) {
		return nil, fmt.Errorf("eligibility API returned invalid JSON")
	}
	return respBody, nil
}
