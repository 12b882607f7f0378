package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Gateway is the external payment collaborator. The engine initiates a
// checkout session and later consumes the gateway's verdict, either via
// the asynchronous webhook or the synchronous Verify query used by the
// customer's return-from-checkout path.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	Verify(ctx context.Context, session string) (*Verdict, error)
}

// CheckoutRequest describes the charge to initiate.
type CheckoutRequest struct {
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ReturnURL string `json:"return_url,omitempty"`
}

// CheckoutSession is the gateway's handle for a pending charge.
type CheckoutSession struct {
	Session     string `json:"session"`
	RedirectURL string `json:"redirect_url"`
}

// Verdict is the gateway's answer for a session.
type Verdict struct {
	Session string `json:"session"`
	Paid    bool   `json:"paid"`
}

// HTTPClient implements Gateway against the gateway's HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cannot encode checkout request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/checkout/sessions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot build checkout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("checkout request failed: status %d", resp.StatusCode)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("cannot decode checkout response: %w", err)
	}

	return &session, nil
}

func (c *HTTPClient) Verify(ctx context.Context, session string) (*Verdict, error) {
	url := fmt.Sprintf("%s/v1/checkout/sessions/%s", c.baseURL, session)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build verify request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("unknown payment session %s", session)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify request failed: status %d", resp.StatusCode)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("cannot decode verify response: %w", err)
	}

	return &verdict, nil
}
