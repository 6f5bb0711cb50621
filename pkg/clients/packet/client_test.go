package packet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	api "mailship/pkg/api/packet"
	"mailship/pkg/clients"
)

// newTestClient creates a client without an executor so tests use the direct
// client.Do path. This avoids retry policies wrapping errors as ExceededError.
func newTestClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("http://localhost:8801/")
	if c.baseURL != "http://localhost:8801" {
		t.Fatalf("expected trailing slash trimmed, got %s", c.baseURL)
	}
	if c.client == nil {
		t.Fatal("expected non-nil HTTP client")
	}
	if c.client.Timeout != 15*time.Second {
		t.Fatalf("expected timeout 15s, got %v", c.client.Timeout)
	}
	if c.httpExecutor == nil {
		t.Fatal("expected non-nil httpExecutor")
	}
	if c.shouldRetry == nil {
		t.Fatal("expected non-nil shouldRetry")
	}
}

func TestWithHTTPClientOption(t *testing.T) {
	custom := &http.Client{}
	c := NewClient("http://localhost", WithHTTPClient(custom))
	if c.client != custom {
		t.Fatal("expected custom HTTP client")
	}
}

func TestWithHTTPExecutorNilIgnored(t *testing.T) {
	c := NewClient("http://localhost", WithHTTPExecutor(nil, nil))
	if c.httpExecutor == nil {
		t.Fatal("nil executor should not replace default")
	}
}

func TestCreateChallenge(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody api.AuthChallengeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"message": "Sign this message to authenticate with Mailship\nAddress: 0xabc\nTimestamp: 1700000000\nNonce: deadbeefdeadbeef",
			"nonce": "deadbeefdeadbeef",
			"timestamp": "1700000000"
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	challenge, err := c.CreateChallenge(context.Background(), "0xabc", "metamask")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != "POST" {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	if gotPath != "/api/auth/challenge" {
		t.Fatalf("expected /api/auth/challenge, got %s", gotPath)
	}
	if gotBody.WalletAddress != "0xabc" {
		t.Fatalf("expected wallet_address 0xabc, got %s", gotBody.WalletAddress)
	}
	if gotBody.WalletType != "metamask" {
		t.Fatalf("expected wallet_type metamask, got %s", gotBody.WalletType)
	}
	if challenge.Nonce != "deadbeefdeadbeef" {
		t.Fatalf("expected nonce deadbeefdeadbeef, got %s", challenge.Nonce)
	}
	if challenge.Timestamp != "1700000000" {
		t.Fatalf("expected timestamp 1700000000, got %s", challenge.Timestamp)
	}
}

func TestCreateChallengeBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"detail": "challenge service unavailable"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.CreateChallenge(context.Background(), "0xabc", "metamask")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", apiErr.StatusCode)
	}
	if apiErr.Detail != "challenge service unavailable" {
		t.Fatalf("expected detail from envelope, got %q", apiErr.Detail)
	}
}

func TestCreateChallengeNeverRetries(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// Full client with the default executor: the handshake legs must still
	// bypass it.
	c := NewClient(srv.URL)
	_, err := c.CreateChallenge(context.Background(), "0xabc", "metamask")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}
}

func TestVerifySignature(t *testing.T) {
	var gotBody api.AuthVerifyRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/verify" {
			t.Errorf("expected /api/auth/verify, got %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"access_token": "jwt-token-here",
			"token_type": "bearer",
			"wallet_address": "0xabc",
			"wallet_type": "metamask",
			"expires_in": 1800
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	verified, err := c.VerifySignature(context.Background(), &api.AuthVerifyRequest{
		WalletAddress: "0xabc",
		Signature:     "0xsig",
		ChallengeData: api.AuthChallengeResponse{Message: "msg", Nonce: "n", Timestamp: "1700000000"},
		WalletType:    "metamask",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotBody.Signature != "0xsig" {
		t.Fatalf("expected signature 0xsig, got %s", gotBody.Signature)
	}
	if gotBody.ChallengeData.Nonce != "n" {
		t.Fatalf("expected challenge nonce n, got %s", gotBody.ChallengeData.Nonce)
	}
	if verified.AccessToken != "jwt-token-here" {
		t.Fatalf("expected access token, got %s", verified.AccessToken)
	}
	if verified.TokenType != "bearer" {
		t.Fatalf("expected token_type bearer, got %s", verified.TokenType)
	}
	if verified.ExpiresIn != 1800 {
		t.Fatalf("expected expires_in 1800, got %d", verified.ExpiresIn)
	}
}

func TestVerifySignatureRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"detail": "Invalid signature"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.VerifySignature(context.Background(), &api.AuthVerifyRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	var apiErr *APIError
	errors.As(err, &apiErr)
	if apiErr.Detail != "Invalid signature" {
		t.Fatalf("expected detail 'Invalid signature', got %q", apiErr.Detail)
	}
}

func TestGetProfile(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/user/profile" {
			t.Errorf("expected /api/user/profile, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"user_id": "u-1",
			"wallet_address": "0xabc",
			"subscription_tier": "premium",
			"email_credits": 240,
			"premium_features": ["nft_attachments", "custom_domains"],
			"tier_details": {"max_attachment_size": 26214400, "max_recipients": 50}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	profile, err := c.GetProfile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if profile.UserID != "u-1" {
		t.Fatalf("expected user_id u-1, got %s", profile.UserID)
	}
	if profile.SubscriptionTier != "premium" {
		t.Fatalf("expected tier premium, got %s", profile.SubscriptionTier)
	}
	if profile.EmailCredits != 240 {
		t.Fatalf("expected 240 credits, got %d", profile.EmailCredits)
	}
	if len(profile.PremiumFeatures) != 2 {
		t.Fatalf("expected 2 features, got %d", len(profile.PremiumFeatures))
	}
	if profile.TierDetails.MaxAttachmentSize != 26214400 {
		t.Fatalf("expected max attachment 25MB, got %d", profile.TierDetails.MaxAttachmentSize)
	}
}

func TestGetProfileUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"detail": "Token expired"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetProfile(context.Background(), "stale")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestGetPaymentStatus(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"session_id": "cs_123", "status": "paid", "amount_total": "9.99", "currency": "usd"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	status, err := c.GetPaymentStatus(context.Background(), "tok-1", "cs_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/payments/status/cs_123" {
		t.Fatalf("expected /api/payments/status/cs_123, got %s", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if status.Status != api.PaymentStatusPaid {
		t.Fatalf("expected status paid, got %s", status.Status)
	}
	if status.AmountTotal.String() != "9.99" {
		t.Fatalf("expected amount 9.99, got %s", status.AmountTotal.String())
	}
}

func TestGetPaymentStatusNeverRetries(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// The poller owns the attempt budget; transport retry would multiply it.
	c := NewClient(srv.URL)
	_, err := c.GetPaymentStatus(context.Background(), "tok-1", "cs_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}
}

func TestGetTiersRetriesThroughExecutor(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count := atomic.AddInt32(&requests, 1)
		if count < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"tiers": [
				{"name": "free", "display_name": "Free", "price_monthly": "0", "currency": "usd", "email_credits": 10, "features": [], "max_attachment_size": 5242880},
				{"name": "premium", "display_name": "Premium", "price_monthly": "9.99", "currency": "usd", "email_credits": 240, "features": ["nft_attachments"], "max_attachment_size": 26214400}
			],
			"count": 2
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPExecutorConfig(clients.HTTPExecutorConfig{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		ShouldRetry: clients.DefaultShouldRetry,
	}))
	tiers, err := c.GetTiers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if tiers.Count != 2 || len(tiers.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %+v", tiers)
	}
	if tiers.Tiers[1].PriceMonthly.String() != "9.99" {
		t.Fatalf("expected premium price 9.99, got %s", tiers.Tiers[1].PriceMonthly.String())
	}
}

func TestGetCreditPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/credits/packages" {
			t.Errorf("expected /api/credits/packages, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"packages": [{"name": "starter", "credits": 50, "price": "4.99", "currency": "usd"}],
			"count": 1
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	packages, err := c.GetCreditPackages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if packages.Count != 1 {
		t.Fatalf("expected 1 package, got %d", packages.Count)
	}
	if packages.Packages[0].Credits != 50 {
		t.Fatalf("expected 50 credits, got %d", packages.Packages[0].Credits)
	}
	if packages.Packages[0].Price.String() != "4.99" {
		t.Fatalf("expected price 4.99, got %s", packages.Packages[0].Price.String())
	}
}

func TestGetHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("health check should not send a token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"status": "healthy",
			"version": "1.0.0",
			"services": {"ipfs": "healthy", "stripe": "healthy", "hedera": "degraded"},
			"network": "testnet",
			"timestamp": 1700000000
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	health, err := c.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("expected healthy, got %s", health.Status)
	}
	if health.Services["hedera"] != "degraded" {
		t.Fatalf("expected hedera degraded, got %s", health.Services["hedera"])
	}
	if health.Network != "testnet" {
		t.Fatalf("expected network testnet, got %s", health.Network)
	}
}

func TestCreateSubscriptionCheckout(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody api.SubscriptionCheckoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"checkout_url": "https://checkout.example/cs_1", "session_id": "cs_1"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	checkout, err := c.CreateSubscriptionCheckout(context.Background(), "tok-1", &api.SubscriptionCheckoutRequest{
		TierName:  "premium",
		OriginURL: "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/payments/subscription" {
		t.Fatalf("expected /api/payments/subscription, got %s", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotBody.TierName != "premium" {
		t.Fatalf("expected tier premium, got %s", gotBody.TierName)
	}
	if checkout.SessionID != "cs_1" {
		t.Fatalf("expected session cs_1, got %s", checkout.SessionID)
	}
}

func TestCreateCreditsCheckout(t *testing.T) {
	var gotPath string
	var gotBody api.CreditsCheckoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"checkout_url": "https://checkout.example/cs_2", "session_id": "cs_2"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	checkout, err := c.CreateCreditsCheckout(context.Background(), "tok-1", &api.CreditsCheckoutRequest{
		PackageName: "starter",
		OriginURL:   "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/payments/credits" {
		t.Fatalf("expected /api/payments/credits, got %s", gotPath)
	}
	if gotBody.PackageName != "starter" {
		t.Fatalf("expected package starter, got %s", gotBody.PackageName)
	}
	if checkout.CheckoutURL == "" {
		t.Fatal("expected checkout URL")
	}
}

func TestSendEmailMultipart(t *testing.T) {
	var gotEmail api.EmailData
	var gotFilenames []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("expected multipart request: %v", err)
		}
		_ = json.Unmarshal([]byte(r.FormValue("email_data")), &gotEmail)
		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["attachments"] {
				gotFilenames = append(gotFilenames, fh.Filename)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"success": true,
			"timestamp": {
				"email_id": "em-1",
				"content_hash": "abc123",
				"hedera_transaction_id": "0.0.1700000000",
				"hedera_topic_id": "0.0.123456",
				"sequence_number": 42,
				"timestamp": "2026-08-23T10:00:00Z"
			}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	receipt, err := c.SendEmail(context.Background(), "tok-1", &api.EmailData{
		FromAddress: "0xabc@mailship.io",
		ToAddresses: []string{"0xdef@mailship.io"},
		Subject:     "hello",
		Body:        "world",
	}, []Attachment{
		{Filename: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF-")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEmail.Subject != "hello" {
		t.Fatalf("expected subject hello, got %s", gotEmail.Subject)
	}
	if len(gotFilenames) != 1 || gotFilenames[0] != "doc.pdf" {
		t.Fatalf("expected attachment doc.pdf, got %v", gotFilenames)
	}
	if !receipt.Success {
		t.Fatal("expected success")
	}
	if receipt.Timestamp.EmailID != "em-1" {
		t.Fatalf("expected email id em-1, got %s", receipt.Timestamp.EmailID)
	}
	if receipt.Timestamp.SequenceNumber != 42 {
		t.Fatalf("expected sequence 42, got %d", receipt.Timestamp.SequenceNumber)
	}
}

func TestSendEmailOutOfCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = fmt.Fprint(w, `{"detail": "No email credits remaining"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SendEmail(context.Background(), "tok-1", &api.EmailData{Subject: "x"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestListEmails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/emails/user" {
			t.Errorf("expected /api/emails/user, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"emails": [{
				"id": "em-1",
				"user_id": "u-1",
				"email_data": {"from_address": "a", "to_addresses": ["b"], "subject": "s", "body": "t"},
				"content_hash": "h1",
				"timestamp": "2026-08-23T10:00:00Z"
			}],
			"count": 1
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	list, err := c.ListEmails(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list.Count != 1 || len(list.Emails) != 1 {
		t.Fatalf("expected 1 email, got %+v", list)
	}
	if list.Emails[0].ContentHash != "h1" {
		t.Fatalf("expected content hash h1, got %s", list.Emails[0].ContentHash)
	}
}

func TestGetEmailPathEscaping(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id": "em 1", "user_id": "u-1", "email_data": {}, "content_hash": "h", "timestamp": "2026-08-23T10:00:00Z"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	record, err := c.GetEmail(context.Background(), "tok-1", "em 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/emails/em%201/retrieve" {
		t.Fatalf("expected escaped path, got %s", gotPath)
	}
	if record.ID != "em 1" {
		t.Fatalf("expected id 'em 1', got %s", record.ID)
	}
}

func TestParseErrorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, "upstream exploded")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetProfile(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Detail != "upstream exploded" {
		t.Fatalf("expected raw body as detail, got %q", apiErr.Detail)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	e := &APIError{StatusCode: 401, Detail: "Invalid signature"}
	want := "packet error (401): Invalid signature"
	if e.Error() != want {
		t.Fatalf("expected %q, got %q", want, e.Error())
	}

	bare := &APIError{StatusCode: 503}
	if bare.Error() != "packet error (503)" {
		t.Fatalf("expected bare message, got %q", bare.Error())
	}
}

func TestIsStatus(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &APIError{StatusCode: 401})
	if !IsStatus(err, 401) {
		t.Fatal("expected IsStatus to match through wrapping")
	}
	if IsStatus(err, 500) {
		t.Fatal("expected IsStatus to reject other codes")
	}
	if IsStatus(errors.New("plain"), 401) {
		t.Fatal("expected IsStatus to reject non-APIError")
	}
}
