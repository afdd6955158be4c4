/**
 * @description
 * Client for the external payment gateway used to fund wallets. The wallet
 * service only initiates a collection and later verifies its outcome; the
 * gateway-specific redirect/checkout flow happens outside this service.
 *
 * @dependencies
 * - net/http, encoding/json: Standard Go libraries.
 * - github.com/google/uuid: Account identifiers in request payloads.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is returned when the gateway cannot be reached or answers
// with a server error. Funding entries stay pending until a later
// verification resolves them.
var ErrUnavailable = errors.New("payment gateway unavailable")

// FundingInitiation is the gateway's answer to a collection request.
type FundingInitiation struct {
	RedirectURL       string `json:"redirect_url"`
	ProviderReference string `json:"provider_reference"`
}

// FundingStatus is the gateway's view of a previously initiated collection.
type FundingStatus struct {
	Status string `json:"status"` // 'success' or 'failed'
	Amount int64  `json:"amount"`
}

// Client is a client for the payment gateway API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type initiateRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
}

// InitiateFunding asks the gateway to start a collection for the given
// account and amount. The returned provider reference keys the pending
// ledger entry and every later confirmation.
func (c *Client) InitiateFunding(ctx context.Context, accountID uuid.UUID, amount int64) (*FundingInitiation, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("payment gateway base URL is not configured")
	}

	body, err := json.Marshal(initiateRequest{AccountID: accountID, Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initiate payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/collections", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway rejected collection request with status %d", resp.StatusCode)
	}

	var initiation FundingInitiation
	if err := json.NewDecoder(resp.Body).Decode(&initiation); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if initiation.ProviderReference == "" {
		return nil, fmt.Errorf("gateway response missing provider reference")
	}
	return &initiation, nil
}

// VerifyFunding polls the gateway for the outcome of a collection.
func (c *Client) VerifyFunding(ctx context.Context, providerReference string) (*FundingStatus, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("payment gateway base URL is not configured")
	}

	url := fmt.Sprintf("%s/v1/collections/%s", c.baseURL, providerReference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gateway has no record of reference %s", providerReference)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway verification failed with status %d", resp.StatusCode)
	}

	var status FundingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &status, nil
}
