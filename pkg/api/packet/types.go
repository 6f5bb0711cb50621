package packet

import (
	"time"

	"github.com/shopspring/decimal"

	"mailship/pkg/api/common"
)

// === AUTHENTICATION ===

// AuthChallengeRequest asks the backend for a signing challenge
type AuthChallengeRequest struct {
	WalletAddress string `json:"wallet_address"`
	WalletType    string `json:"wallet_type"`
}

// AuthChallengeResponse is the challenge the wallet must sign. The backend
// echoes the same three fields back inside the verify request as challenge_data,
// so the struct doubles as both response and request payload.
type AuthChallengeResponse struct {
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// AuthVerifyRequest submits a signed challenge for verification
type AuthVerifyRequest struct {
	WalletAddress string                `json:"wallet_address"`
	Signature     string                `json:"signature"`
	ChallengeData AuthChallengeResponse `json:"challenge_data"`
	WalletType    string                `json:"wallet_type"`
}

// AuthVerifyResponse carries the bearer token issued after verification
type AuthVerifyResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	WalletAddress string `json:"wallet_address"`
	WalletType    string `json:"wallet_type"`
	ExpiresIn     int    `json:"expires_in"` // seconds
}

// === USER PROFILE ===

// TierDetails describes the limits attached to a subscription tier
type TierDetails struct {
	MaxAttachmentSize int64 `json:"max_attachment_size"` // bytes
	MaxRecipients     int   `json:"max_recipients,omitempty"`
}

// UserProfileResponse is the server-owned profile projection. The agent
// caches it read-only; all mutation happens backend-side.
type UserProfileResponse struct {
	UserID           string      `json:"user_id"`
	WalletAddress    string      `json:"wallet_address"`
	SubscriptionTier string      `json:"subscription_tier"`
	EmailCredits     int         `json:"email_credits"`
	PremiumFeatures  []string    `json:"premium_features"`
	TierDetails      TierDetails `json:"tier_details"`
}

// === SUBSCRIPTION TIERS & CREDIT PACKAGES ===

// SubscriptionTier is one entry of the public tier catalog
type SubscriptionTier struct {
	Name              string          `json:"name"`
	DisplayName       string          `json:"display_name"`
	PriceMonthly      decimal.Decimal `json:"price_monthly"`
	Currency          string          `json:"currency"`
	EmailCredits      int             `json:"email_credits"` // credits granted per month
	Features          []string        `json:"features"`
	MaxAttachmentSize int64           `json:"max_attachment_size"`
}

// GetTiersResponse is the response from the tier catalog API
type GetTiersResponse struct {
	Tiers []SubscriptionTier `json:"tiers"`
	Count int                `json:"count"`
}

// CreditPackage is a one-off purchasable bundle of email credits
type CreditPackage struct {
	Name     string          `json:"name"`
	Credits  int             `json:"credits"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

// GetCreditPackagesResponse is the response from the credit package catalog API
type GetCreditPackagesResponse struct {
	Packages []CreditPackage `json:"packages"`
	Count    int             `json:"count"`
}

// === PAYMENTS ===

// Payment status values reported by the checkout provider
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusExpired = "expired"
)

// SubscriptionCheckoutRequest starts a hosted checkout for a tier upgrade
type SubscriptionCheckoutRequest struct {
	TierName  string `json:"tier_name"`
	OriginURL string `json:"origin_url"`
}

// CreditsCheckoutRequest starts a hosted checkout for a credit package
type CreditsCheckoutRequest struct {
	PackageName string `json:"package_name"`
	OriginURL   string `json:"origin_url"`
}

// CheckoutResponse carries the redirect URL and the session id the agent
// later polls payment status with
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// PaymentStatusResponse is the response from the payment status API
type PaymentStatusResponse struct {
	SessionID   string          `json:"session_id"`
	Status      string          `json:"status"` // pending, paid, expired
	AmountTotal decimal.Decimal `json:"amount_total,omitempty"`
	Currency    string          `json:"currency,omitempty"`
}

// === EMAILS ===

// EmailData is the sendable email payload
type EmailData struct {
	FromAddress string   `json:"from_address"`
	ToAddresses []string `json:"to_addresses"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"` // content identifiers
}

// EmailRecord is a stored email with its consensus timestamp proof
type EmailRecord struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"user_id"`
	EmailData           EmailData              `json:"email_data"`
	ContentHash         string                 `json:"content_hash"`
	HederaTransactionID string                 `json:"hedera_transaction_id,omitempty"`
	HederaTopicID       string                 `json:"hedera_topic_id,omitempty"`
	SequenceNumber      int64                  `json:"sequence_number,omitempty"`
	Timestamp           time.Time              `json:"timestamp"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// SendEmailReceipt is the timestamp proof returned after a successful send
type SendEmailReceipt struct {
	EmailID             string    `json:"email_id"`
	ContentHash         string    `json:"content_hash"`
	HederaTransactionID string    `json:"hedera_transaction_id"`
	HederaTopicID       string    `json:"hedera_topic_id"`
	SequenceNumber      int64     `json:"sequence_number"`
	Timestamp           time.Time `json:"timestamp"`
}

// SendEmailResponse is the response from the email send API
type SendEmailResponse struct {
	Success   bool             `json:"success"`
	Timestamp SendEmailReceipt `json:"timestamp"`
}

// ListEmailsResponse is the response from the user email listing API
type ListEmailsResponse struct {
	Emails []EmailRecord `json:"emails"`
	Count  int           `json:"count"`
}

// === HEALTH ===

// HealthResponse is the backend health report
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Services  map[string]string `json:"services,omitempty"` // service name -> status
	Network   string            `json:"network"`
	Timestamp int64             `json:"timestamp"`
}

// === ERRORS ===

// ErrorBody is the backend's error envelope ({"detail": "..."})
type ErrorBody struct {
	Detail string `json:"detail"`
}

// ErrorResponse is a type alias to the common error response used by the
// agent's own control API
type ErrorResponse = common.ErrorResponse
