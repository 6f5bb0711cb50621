// Package packet provides the HTTP client for the Mailship platform backend.
//
// The auth handshake legs (challenge, verify) and checkout POSTs are sent
// exactly once: a failed leg is surfaced to the caller, never retried here.
// Payment status reads are also single-shot because the poller owns the
// attempt budget. The remaining idempotent GETs go through a failsafe
// executor with retry and circuit breaker.
package packet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	api "mailship/pkg/api/packet"
	"mailship/pkg/clients"
)

// ErrInsufficientCredits is returned when the backend rejects an email send
// with 402 because the account has no credits left.
var ErrInsufficientCredits = errors.New("insufficient email credits")

// APIError carries a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("packet error (%d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("packet error (%d)", e.StatusCode)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	baseURL      string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig()
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: clients.DefaultTransport(),
		},
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

func WithHTTPExecutor(executor failsafe.Executor[*http.Response], shouldRetry func(resp *http.Response, err error) bool) Option {
	return func(c *Client) {
		if executor != nil {
			c.httpExecutor = executor
			c.shouldRetry = shouldRetry
		}
	}
}

// doRequest runs a request through the failsafe executor. The build callback
// produces a fresh request per attempt so bodies stay readable across retries.
func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

// doOnce sends a request exactly once, bypassing the executor.
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.client.Do(req)
}

// getJSON performs an idempotent GET through the executor and decodes into out.
func (c *Client) getJSON(ctx context.Context, url, token string, out interface{}) error {
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseError drains the body and wraps it in an APIError. The backend's
// error envelope is {"detail": "..."}; anything else is kept raw.
func parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope api.ErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Detail != "" {
		apiErr.Detail = envelope.Detail
	} else {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	return apiErr
}

// CreateChallenge requests a fresh signing challenge for the wallet.
// Single-shot: a challenge is single-use, so retrying here would just mint
// challenges the caller never signs.
func (c *Client) CreateChallenge(ctx context.Context, walletAddress, walletType string) (*api.AuthChallengeResponse, error) {
	jsonBody, err := json.Marshal(api.AuthChallengeRequest{
		WalletAddress: walletAddress,
		WalletType:    walletType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doOnce(ctx, "POST", c.baseURL+"/api/auth/challenge", jsonBody, "")
	if err != nil {
		return nil, fmt.Errorf("failed to call packet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var challenge api.AuthChallengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &challenge, nil
}

// VerifySignature submits the signed challenge and returns the issued token.
func (c *Client) VerifySignature(ctx context.Context, req *api.AuthVerifyRequest) (*api.AuthVerifyResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doOnce(ctx, "POST", c.baseURL+"/api/auth/verify", jsonBody, "")
	if err != nil {
		return nil, fmt.Errorf("failed to call packet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var verified api.AuthVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &verified, nil
}

// GetProfile fetches the server-owned profile projection for the token holder.
func (c *Client) GetProfile(ctx context.Context, token string) (*api.UserProfileResponse, error) {
	var profile api.UserProfileResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/user/profile", token, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetPaymentStatus reads the payment status for a checkout session.
// Single-shot on purpose: the payment poller owns the attempt budget, so a
// transport-level retry here would multiply it.
func (c *Client) GetPaymentStatus(ctx context.Context, token, sessionID string) (*api.PaymentStatusResponse, error) {
	reqURL := fmt.Sprintf("%s/api/payments/status/%s", c.baseURL, url.PathEscape(sessionID))

	resp, err := c.doOnce(ctx, "GET", reqURL, nil, token)
	if err != nil {
		return nil, fmt.Errorf("failed to call packet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var status api.PaymentStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// GetHealth reads the backend health report.
func (c *Client) GetHealth(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/health", "", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetTiers fetches the public subscription tier catalog.
func (c *Client) GetTiers(ctx context.Context) (*api.GetTiersResponse, error) {
	var tiers api.GetTiersResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/subscription/tiers", "", &tiers); err != nil {
		return nil, err
	}
	return &tiers, nil
}

// GetCreditPackages fetches the purchasable credit packages.
func (c *Client) GetCreditPackages(ctx context.Context) (*api.GetCreditPackagesResponse, error) {
	var packages api.GetCreditPackagesResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/credits/packages", "", &packages); err != nil {
		return nil, err
	}
	return &packages, nil
}

// CreateSubscriptionCheckout starts a hosted checkout for a tier change.
func (c *Client) CreateSubscriptionCheckout(ctx context.Context, token string, req *api.SubscriptionCheckoutRequest) (*api.CheckoutResponse, error) {
	return c.createCheckout(ctx, token, c.baseURL+"/api/payments/subscription", req)
}

// CreateCreditsCheckout starts a hosted checkout for a credit package.
func (c *Client) CreateCreditsCheckout(ctx context.Context, token string, req *api.CreditsCheckoutRequest) (*api.CheckoutResponse, error) {
	return c.createCheckout(ctx, token, c.baseURL+"/api/payments/credits", req)
}

func (c *Client) createCheckout(ctx context.Context, token, url string, req interface{}) (*api.CheckoutResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doOnce(ctx, "POST", url, jsonBody, token)
	if err != nil {
		return nil, fmt.Errorf("failed to call packet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var checkout api.CheckoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkout); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &checkout, nil
}

// Attachment is one file part of a multipart email send.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SendEmail submits an email for timestamped delivery. The request is
// multipart: an email_data JSON part plus one part per attachment. A 402
// response maps to ErrInsufficientCredits.
func (c *Client) SendEmail(ctx context.Context, token string, email *api.EmailData, attachments []Attachment) (*api.SendEmailResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	emailJSON, err := json.Marshal(email)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email data: %w", err)
	}
	if err := writer.WriteField("email_data", string(emailJSON)); err != nil {
		return nil, fmt.Errorf("failed to write email data part: %w", err)
	}

	for _, att := range attachments {
		part, err := writer.CreateFormFile("attachments", att.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/emails/send", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call packet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusPaymentRequired {
		apiErr := parseError(resp)
		return nil, fmt.Errorf("%w: %s", ErrInsufficientCredits, apiErr.Detail)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var receipt api.SendEmailResponse
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &receipt, nil
}

// ListEmails returns the caller's stored email records.
func (c *Client) ListEmails(ctx context.Context, token string) (*api.ListEmailsResponse, error) {
	var list api.ListEmailsResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/emails/user", token, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetEmail retrieves one stored email with its timestamp proof.
func (c *Client) GetEmail(ctx context.Context, token, id string) (*api.EmailRecord, error) {
	reqURL := fmt.Sprintf("%s/api/emails/%s/retrieve", c.baseURL, url.PathEscape(id))
	var record api.EmailRecord
	if err := c.getJSON(ctx, reqURL, token, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
