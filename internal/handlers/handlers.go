// Package handlers implements the agent-local control API. It plays the
// role the dashboard UI plays in the hosted product: connect and
// authenticate the wallet, inspect the session, start checkouts and send
// email through the authenticated backend session.
package handlers

import (
	"errors"
	"net/http"

	"mailship/internal/session"
	"mailship/pkg/api/common"
	api "mailship/pkg/api/packet"
	packetclient "mailship/pkg/clients/packet"
	"mailship/pkg/logging"
	"mailship/pkg/middleware"
	"mailship/pkg/wallet"
)

var (
	controller *session.Controller
	logger     logging.Logger
)

// Init wires the handlers to the session controller and logger.
func Init(ctrl *session.Controller, log logging.Logger) {
	controller = ctrl
	logger = log
}

// SessionTag stamps the active wallet address into the request context so
// request logs carry it.
func SessionTag(c middleware.Context) {
	if view := controller.Session(); view.Address != "" {
		c.Set("wallet_address", view.Address)
	}
	c.Next()
}

// statusFor maps controller and wallet errors onto control API statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, packetclient.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, wallet.ErrUserRejected), errors.Is(err, wallet.ErrSigningRejected):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNoPendingCheckout):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrUnsupportedChain):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrChallengeRequest),
		errors.Is(err, session.ErrVerificationFailed),
		errors.Is(err, session.ErrProfileFetch):
		return http.StatusBadGateway
	case errors.Is(err, wallet.ErrProviderNotFound),
		errors.Is(err, wallet.ErrNoAccounts),
		errors.Is(err, wallet.ErrSigningFailed),
		errors.Is(err, wallet.ErrInvalidPassphrase),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case packetclient.IsStatus(err, http.StatusNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(c middleware.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.GetContextLogger(c, logger).WithError(err).Error("Control API request failed")
	}
	c.JSON(status, common.ErrorResponse{Error: err.Error(), Service: "yeoman"})
}

// ConnectRequest selects the wallet provider variant to bind.
type ConnectRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// Connect binds a wallet provider and returns the session view.
func Connect(c middleware.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "provider is required"})
		return
	}

	view, err := controller.Connect(c.Request.Context(), req.Provider)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Disconnect tears the session down. Idempotent.
func Disconnect(c middleware.Context) {
	if err := controller.Disconnect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, controller.Session())
}

// Authenticate runs the challenge/sign/verify handshake.
func Authenticate(c middleware.Context) {
	view, err := controller.Authenticate(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SwitchChainRequest names the network the wallet should activate.
type SwitchChainRequest struct {
	ChainID int `json:"chain_id" binding:"required"`
}

// SwitchChain asks the wallet to activate another network and returns the
// updated session view.
func SwitchChain(c middleware.Context) {
	var req SwitchChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "chain_id is required"})
		return
	}

	view, err := controller.SwitchChain(c.Request.Context(), req.ChainID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetSession returns the current session view.
func GetSession(c middleware.Context) {
	c.JSON(http.StatusOK, controller.Session())
}

// GetProfile returns the authenticated profile, optionally bypassing the
// cache with ?refresh=1.
func GetProfile(c middleware.Context) {
	refresh := c.Query("refresh") == "1" || c.Query("refresh") == "true"
	profile, err := controller.FetchProfile(c.Request.Context(), refresh)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// NotificationsResponse wraps the notification ring buffer.
type NotificationsResponse struct {
	Notifications []session.Notification `json:"notifications"`
	Count         int                    `json:"count"`
}

// GetNotifications returns the user-facing notices, oldest first.
func GetNotifications(c middleware.Context) {
	notes := controller.Notifications()
	c.JSON(http.StatusOK, NotificationsResponse{Notifications: notes, Count: len(notes)})
}

// GetTiers returns the subscription tier catalog.
func GetTiers(c middleware.Context) {
	tiers, err := controller.Tiers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tiers)
}

// GetCreditPackages returns the credit package catalog.
func GetCreditPackages(c middleware.Context) {
	packages, err := controller.Packages(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, packages)
}

// CheckoutRequest starts a hosted checkout session.
type CheckoutRequest struct {
	Kind      string `json:"kind" binding:"required"`
	Package   string `json:"package" binding:"required"`
	OriginURL string `json:"origin_url"`
}

// StartCheckout opens a subscription or credits checkout.
func StartCheckout(c middleware.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "kind and package are required"})
		return
	}
	if req.Kind != "subscription" && req.Kind != "credits" {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "kind must be subscription or credits"})
		return
	}

	checkout, err := controller.StartCheckout(c.Request.Context(), session.CheckoutParams{
		Kind:      req.Kind,
		Name:      req.Package,
		OriginURL: req.OriginURL,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

// PaymentReturnRequest resolves a checkout session after the user comes
// back from the hosted payment page. An empty session_id resolves the
// pending checkout.
type PaymentReturnRequest struct {
	SessionID string `json:"session_id"`
}

// PaymentReturnResponse is the terminal poll outcome.
type PaymentReturnResponse struct {
	Outcome  string                     `json:"outcome"`
	Attempts int                        `json:"attempts"`
	Status   *api.PaymentStatusResponse `json:"status,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// PaymentReturn polls the payment status until it settles or the attempt
// budget runs out, then reports the outcome.
func PaymentReturn(c middleware.Context) {
	var req PaymentReturnRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "invalid payment return payload"})
			return
		}
	}

	result, err := controller.ResolvePayment(c.Request.Context(), req.SessionID)
	if result == nil {
		fail(c, err)
		return
	}

	resp := PaymentReturnResponse{
		Outcome:  string(result.Outcome),
		Attempts: result.Attempts,
		Status:   result.Status,
	}
	if result.LastError != nil {
		resp.Error = result.LastError.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// EmailAttachment is one attachment in a control API send request. Data
// is base64 in JSON.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// SendEmailRequest submits an email through the authenticated session.
type SendEmailRequest struct {
	Email       api.EmailData     `json:"email"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
}

// SendEmail forwards an email to the backend for timestamped delivery.
func SendEmail(c middleware.Context) {
	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "invalid email payload"})
		return
	}
	if req.Email.FromAddress == "" || len(req.Email.ToAddresses) == 0 {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "from_address and to_addresses are required"})
		return
	}

	attachments := make([]packetclient.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, packetclient.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}

	resp, err := controller.SendEmail(c.Request.Context(), &req.Email, attachments)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListEmails returns the user's sent email records.
func ListEmails(c middleware.Context) {
	list, err := controller.ListEmails(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetEmail returns one email record by id.
func GetEmail(c middleware.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: "email id required"})
		return
	}

	record, err := controller.GetEmail(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
