package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mailship/pkg/api/packet"
	"mailship/pkg/auth"
)

// MockPacket is an in-process packet backend for tests. It implements the
// wallet auth handshake with real signature verification, mints real HS256
// bearer tokens, and serves profile, catalog, checkout, payment status and
// email endpoints with scriptable behavior.
type MockPacket struct {
	server *httptest.Server
	secret []byte

	mu             sync.Mutex
	challenges     map[string]packet.AuthChallengeResponse
	profiles       map[string]*packet.UserProfileResponse
	emails         []packet.EmailRecord
	payments       map[string][]string
	statusCalls    map[string]int
	challengeCalls int
	verifyCalls    int
	profileCalls   int
	tiersCalls     int
	failChallenge  int
	failVerify     string
	revoked        bool
	verifyGate     func()
	nextSession    string
	sessionSeq     int
	emailSeq       int
}

// NewMockPacket starts the backend. Callers own Close.
func NewMockPacket() *MockPacket {
	m := &MockPacket{
		secret:      []byte("packet-mock-secret"),
		challenges:  make(map[string]packet.AuthChallengeResponse),
		profiles:    make(map[string]*packet.UserProfileResponse),
		payments:    make(map[string][]string),
		statusCalls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/challenge", m.handleChallenge)
	mux.HandleFunc("/api/auth/verify", m.handleVerify)
	mux.HandleFunc("/api/user/profile", m.handleProfile)
	mux.HandleFunc("/api/payments/status/", m.handlePaymentStatus)
	mux.HandleFunc("/api/payments/subscription", m.handleCheckout)
	mux.HandleFunc("/api/payments/credits", m.handleCheckout)
	mux.HandleFunc("/api/subscription/tiers", m.handleTiers)
	mux.HandleFunc("/api/credits/packages", m.handlePackages)
	mux.HandleFunc("/api/health", m.handleHealth)
	mux.HandleFunc("/api/emails/send", m.handleSendEmail)
	mux.HandleFunc("/api/emails/user", m.handleListEmails)
	mux.HandleFunc("/api/emails/", m.handleGetEmail)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockPacket) URL() string { return m.server.URL }

func (m *MockPacket) Close() { m.server.Close() }

// Secret returns the token signing secret, for tests that mint their own.
func (m *MockPacket) Secret() []byte { return m.secret }

// ChallengeCalls returns how many challenges were issued.
func (m *MockPacket) ChallengeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challengeCalls
}

// VerifyCalls returns how many verify attempts were received.
func (m *MockPacket) VerifyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls
}

// ProfileCalls returns how many profile reads were received.
func (m *MockPacket) ProfileCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileCalls
}

// StatusCalls returns how many payment status reads a session received.
func (m *MockPacket) StatusCalls(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls[sessionID]
}

// TiersCalls returns how many tier catalog reads were received.
func (m *MockPacket) TiersCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiersCalls
}

// FailNextChallenges makes the next n challenge requests fail with 503.
func (m *MockPacket) FailNextChallenges(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failChallenge = n
}

// FailNextVerify makes the next verify attempt fail with 401 and detail.
func (m *MockPacket) FailNextVerify(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failVerify = detail
}

// RevokeTokens makes every authenticated endpoint reject bearer tokens
// with 401 until RestoreTokens.
func (m *MockPacket) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = true
}

// RestoreTokens undoes RevokeTokens.
func (m *MockPacket) RestoreTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = false
}

// SetVerifyGate installs a hook that runs before each verify responds.
// Tests use it to hold a handshake open while racing another one.
func (m *MockPacket) SetVerifyGate(gate func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyGate = gate
}

// SetPaymentStatuses scripts the status sequence for a checkout session.
// The last entry repeats once the sequence is exhausted; the special entry
// "error" responds 500.
func (m *MockPacket) SetPaymentStatuses(sessionID string, statuses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[sessionID] = append([]string(nil), statuses...)
}

// SetNextCheckoutSession fixes the session id the next checkout returns.
func (m *MockPacket) SetNextCheckoutSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSession = sessionID
}

// SetCredits overrides the email credit balance for an address.
func (m *MockPacket) SetCredits(address string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileFor(address).EmailCredits = credits
}

// profileFor returns the profile for an address, creating the default one
// on first use. Caller holds the mutex.
func (m *MockPacket) profileFor(address string) *packet.UserProfileResponse {
	if p, ok := m.profiles[address]; ok {
		return p
	}
	suffix := strings.ToLower(strings.TrimPrefix(address, "0x"))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	p := &packet.UserProfileResponse{
		UserID:           "user-" + suffix,
		WalletAddress:    address,
		SubscriptionTier: "free",
		EmailCredits:     10,
		PremiumFeatures:  []string{},
		TierDetails: packet.TierDetails{
			MaxAttachmentSize: 26214400,
			MaxRecipients:     10,
		},
	}
	m.profiles[address] = p
	return p
}

func (m *MockPacket) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req packet.AuthChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid challenge request")
		return
	}

	m.mu.Lock()
	m.challengeCalls++
	if m.failChallenge > 0 {
		m.failChallenge--
		m.mu.Unlock()
		writeDetail(w, http.StatusServiceUnavailable, "Backend unavailable")
		return
	}

	ts := time.Now().Unix()
	nonce := auth.ChallengeNonce(req.WalletAddress, ts)
	challenge := packet.AuthChallengeResponse{
		Message:   auth.GenerateChallengeMessage(req.WalletAddress, ts, nonce),
		Nonce:     nonce,
		Timestamp: strconv.FormatInt(ts, 10),
	}
	m.challenges[nonce] = challenge
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, challenge)
}

func (m *MockPacket) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req packet.AuthVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid verify request")
		return
	}

	m.mu.Lock()
	m.verifyCalls++
	gate := m.verifyGate
	scripted := m.failVerify
	m.failVerify = ""
	challenge, known := m.challenges[req.ChallengeData.Nonce]
	if known {
		delete(m.challenges, req.ChallengeData.Nonce)
	}
	m.mu.Unlock()

	if gate != nil {
		gate()
	}
	if scripted != "" {
		writeDetail(w, http.StatusUnauthorized, scripted)
		return
	}
	if !known || challenge.Message != req.ChallengeData.Message {
		writeDetail(w, http.StatusUnauthorized, "Invalid or expired challenge")
		return
	}

	ok, err := auth.VerifyEthSignature(req.WalletAddress, req.ChallengeData.Message, req.Signature)
	if err != nil || !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	m.mu.Lock()
	profile := m.profileFor(req.WalletAddress)
	userID := profile.UserID
	m.mu.Unlock()

	token, err := auth.GenerateJWT(userID, req.WalletAddress, req.WalletType, m.secret)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, packet.AuthVerifyResponse{
		AccessToken:   token,
		TokenType:     "bearer",
		WalletAddress: req.WalletAddress,
		WalletType:    req.WalletType,
		ExpiresIn:     int(auth.AccessTokenTTL.Seconds()),
	})
}

// authorize validates the bearer token and returns its claims.
func (m *MockPacket) authorize(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	m.mu.Lock()
	revoked := m.revoked
	m.mu.Unlock()

	header := r.Header.Get("Authorization")
	if revoked || !strings.HasPrefix(header, "Bearer ") {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return nil, false
	}
	claims, err := auth.ValidateJWT(strings.TrimPrefix(header, "Bearer "), m.secret)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return nil, false
	}
	return claims, true
}

func (m *MockPacket) handleProfile(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.profileCalls++
	m.mu.Unlock()

	claims, ok := m.authorize(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	profile := *m.profileFor(claims.WalletAddress)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (m *MockPacket) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.authorize(w, r); !ok {
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/payments/status/")

	m.mu.Lock()
	m.statusCalls[sessionID]++
	seq := m.payments[sessionID]
	status := packet.PaymentStatusPaid
	if len(seq) > 0 {
		status = seq[0]
		if len(seq) > 1 {
			m.payments[sessionID] = seq[1:]
		}
	}
	m.mu.Unlock()

	if status == "error" {
		writeDetail(w, http.StatusInternalServerError, "Status provider unavailable")
		return
	}

	writeJSON(w, http.StatusOK, packet.PaymentStatusResponse{
		SessionID:   sessionID,
		Status:      status,
		AmountTotal: decimal.RequireFromString("9.99"),
		Currency:    "usd",
	})
}

func (m *MockPacket) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.authorize(w, r); !ok {
		return
	}

	m.mu.Lock()
	sessionID := m.nextSession
	m.nextSession = ""
	if sessionID == "" {
		m.sessionSeq++
		sessionID = fmt.Sprintf("cs_test_%03d", m.sessionSeq)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, packet.CheckoutResponse{
		CheckoutURL: m.server.URL + "/checkout/" + sessionID,
		SessionID:   sessionID,
	})
}

func (m *MockPacket) handleTiers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.tiersCalls++
	m.mu.Unlock()

	tiers := []packet.SubscriptionTier{
		{
			Name:              "free",
			DisplayName:       "Free",
			PriceMonthly:      decimal.Zero,
			Currency:          "usd",
			EmailCredits:      10,
			Features:          []string{"basic_email"},
			MaxAttachmentSize: 26214400,
		},
		{
			Name:              "pro",
			DisplayName:       "Pro",
			PriceMonthly:      decimal.RequireFromString("9.99"),
			Currency:          "usd",
			EmailCredits:      500,
			Features:          []string{"basic_email", "priority_timestamping"},
			MaxAttachmentSize: 104857600,
		},
	}
	writeJSON(w, http.StatusOK, packet.GetTiersResponse{Tiers: tiers, Count: len(tiers)})
}

func (m *MockPacket) handlePackages(w http.ResponseWriter, r *http.Request) {
	packages := []packet.CreditPackage{
		{Name: "starter", Credits: 100, Price: decimal.RequireFromString("4.99"), Currency: "usd"},
		{Name: "bulk", Credits: 1000, Price: decimal.RequireFromString("39.99"), Currency: "usd"},
	}
	writeJSON(w, http.StatusOK, packet.GetCreditPackagesResponse{Packages: packages, Count: len(packages)})
}

func (m *MockPacket) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, packet.HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0-test",
		Services:  map[string]string{"hedera": "up", "database": "up"},
		Network:   "testnet",
		Timestamp: time.Now().Unix(),
	})
}

func (m *MockPacket) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.authorize(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid multipart payload")
		return
	}
	var email packet.EmailData
	if err := json.Unmarshal([]byte(r.FormValue("email_data")), &email); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid email_data")
		return
	}

	m.mu.Lock()
	profile := m.profileFor(claims.WalletAddress)
	if profile.EmailCredits <= 0 {
		m.mu.Unlock()
		writeDetail(w, http.StatusPaymentRequired, "Insufficient email credits")
		return
	}
	profile.EmailCredits--

	m.emailSeq++
	hash := sha256.Sum256([]byte(email.Subject + email.Body))
	record := packet.EmailRecord{
		ID:                  fmt.Sprintf("em_%03d", m.emailSeq),
		UserID:              claims.UserID,
		EmailData:           email,
		ContentHash:         hex.EncodeToString(hash[:]),
		HederaTransactionID: fmt.Sprintf("0.0.1234@%d.%09d", time.Now().Unix(), m.emailSeq),
		HederaTopicID:       "0.0.5678",
		SequenceNumber:      int64(m.emailSeq),
		Timestamp:           time.Now().UTC(),
	}
	m.emails = append(m.emails, record)
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, packet.SendEmailResponse{
		Success: true,
		Timestamp: packet.SendEmailReceipt{
			EmailID:             record.ID,
			ContentHash:         record.ContentHash,
			HederaTransactionID: record.HederaTransactionID,
			HederaTopicID:       record.HederaTopicID,
			SequenceNumber:      record.SequenceNumber,
			Timestamp:           record.Timestamp,
		},
	})
}

func (m *MockPacket) handleListEmails(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.authorize(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	var list []packet.EmailRecord
	for _, rec := range m.emails {
		if rec.UserID == claims.UserID {
			list = append(list, rec)
		}
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, packet.ListEmailsResponse{Emails: list, Count: len(list)})
}

func (m *MockPacket) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.authorize(w, r)
	if !ok {
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/emails/"), "/retrieve")

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.emails {
		if rec.ID == id && rec.UserID == claims.UserID {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Email not found")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, packet.ErrorBody{Detail: detail})
}
