package session

import (
	"context"
	"fmt"
	"net/http"

	"mailship/internal/payments"
	api "mailship/pkg/api/packet"
	"mailship/pkg/billing"
	packetclient "mailship/pkg/clients/packet"
	"mailship/pkg/logging"
)

// bearer snapshots the token state for an authenticated backend call.
func (c *Controller) bearer() (token, address string, gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", "", 0, ErrClosed
	}
	if c.token == "" {
		return "", "", 0, ErrNotAuthenticated
	}
	return c.token, c.address, c.generation, nil
}

func (c *Controller) currentChain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// Tiers returns the subscription catalog. Entries are cached per chain so
// a network switch forces a fresh read.
func (c *Controller) Tiers(ctx context.Context) (*api.GetTiersResponse, error) {
	key := fmt.Sprintf("%s%d:tiers", chainScopePrefix, c.currentChain())
	value, _, err := c.catalogs.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		tiers, err := c.client.GetTiers(ctx)
		if err != nil {
			return nil, false, err
		}
		return tiers, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription tiers: %w", err)
	}
	tiers, ok := value.(*api.GetTiersResponse)
	if !ok {
		return nil, fmt.Errorf("failed to load subscription tiers: unexpected cached value")
	}
	return tiers, nil
}

// Packages returns the credit package catalog, cached per chain like Tiers.
func (c *Controller) Packages(ctx context.Context) (*api.GetCreditPackagesResponse, error) {
	key := fmt.Sprintf("%s%d:packages", chainScopePrefix, c.currentChain())
	value, _, err := c.catalogs.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		packages, err := c.client.GetCreditPackages(ctx)
		if err != nil {
			return nil, false, err
		}
		return packages, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load credit packages: %w", err)
	}
	packages, ok := value.(*api.GetCreditPackagesResponse)
	if !ok {
		return nil, fmt.Errorf("failed to load credit packages: unexpected cached value")
	}
	return packages, nil
}

// CheckoutParams selects what to buy.
type CheckoutParams struct {
	Kind      string // subscription or credits
	Name      string // tier name or package name
	OriginURL string
}

// StartCheckout opens a hosted checkout session and remembers it so the
// payment can be resolved when the user returns.
func (c *Controller) StartCheckout(ctx context.Context, params CheckoutParams) (*api.CheckoutResponse, error) {
	token, _, gen, err := c.bearer()
	if err != nil {
		return nil, err
	}

	var checkout *api.CheckoutResponse
	switch params.Kind {
	case "subscription":
		checkout, err = c.client.CreateSubscriptionCheckout(ctx, token, &api.SubscriptionCheckoutRequest{
			TierName:  params.Name,
			OriginURL: params.OriginURL,
		})
	case "credits":
		checkout, err = c.client.CreateCreditsCheckout(ctx, token, &api.CreditsCheckoutRequest{
			PackageName: params.Name,
			OriginURL:   params.OriginURL,
		})
	default:
		return nil, fmt.Errorf("unknown checkout kind %q", params.Kind)
	}
	if err != nil {
		if packetclient.IsStatus(err, http.StatusUnauthorized) {
			c.handleUnauthorized(ctx, gen)
			return nil, fmt.Errorf("%w: backend rejected the session token", ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("failed to start checkout: %w", err)
	}

	c.mu.Lock()
	c.pendingCheckout = checkout.SessionID
	c.mu.Unlock()

	c.notify("info", fmt.Sprintf("Checkout started for %s %s", params.Kind, params.Name))
	c.logger.WithFields(logging.Fields{
		"checkout_kind": params.Kind,
		"name":          params.Name,
		"session_id":    checkout.SessionID,
	}).Info("Checkout session created")
	return checkout, nil
}

// ResolvePayment polls the checkout session until it settles or the
// attempt budget runs out. An empty sessionID resolves the pending
// checkout. Any terminal outcome clears the pending marker; a confirmed
// payment also refreshes the profile so new credits show up.
func (c *Controller) ResolvePayment(ctx context.Context, sessionID string) (*payments.Result, error) {
	token, address, _, err := c.bearer()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if sessionID == "" {
		sessionID = c.pendingCheckout
	}
	c.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoPendingCheckout
	}

	result, err := c.poller.Poll(ctx, token, sessionID)
	if result == nil {
		return nil, err
	}

	c.mu.Lock()
	if c.pendingCheckout == sessionID {
		c.pendingCheckout = ""
	}
	c.mu.Unlock()

	switch result.Outcome {
	case payments.OutcomeSuccess:
		c.profiles.Delete(profileKeyPrefix + address)
		if _, perr := c.FetchProfile(ctx, true); perr != nil {
			c.logger.WithError(perr).Warn("Could not refresh profile after payment")
		}
		c.notify("info", paymentConfirmedMessage(result.Status))
	case payments.OutcomeExpired:
		c.notify("warning", "Payment session expired before completion")
	case payments.OutcomeTimedOut:
		c.notify("warning", "Payment still pending, check again later")
	}
	return result, err
}

// paymentConfirmedMessage names the settled amount when the backend
// reports one.
func paymentConfirmedMessage(status *api.PaymentStatusResponse) string {
	if status == nil || status.AmountTotal.IsZero() {
		return "Payment confirmed, account updated"
	}
	return fmt.Sprintf("Payment confirmed: %s, account updated",
		billing.FormatAmount(status.AmountTotal, status.Currency))
}

// SendEmail submits an email through the backend. A send debits credits,
// so the cached profile is dropped on success.
func (c *Controller) SendEmail(ctx context.Context, email *api.EmailData, attachments []packetclient.Attachment) (*api.SendEmailResponse, error) {
	token, address, gen, err := c.bearer()
	if err != nil {
		return nil, err
	}

	resp, err := c.client.SendEmail(ctx, token, email, attachments)
	if err != nil {
		if packetclient.IsStatus(err, http.StatusUnauthorized) {
			c.handleUnauthorized(ctx, gen)
			return nil, fmt.Errorf("%w: backend rejected the session token", ErrNotAuthenticated)
		}
		return nil, err
	}

	c.profiles.Delete(profileKeyPrefix + address)
	c.logger.WithFields(logging.Fields{
		"email_id":   resp.Timestamp.EmailID,
		"recipients": len(email.ToAddresses),
	}).Info("Email sent")
	return resp, nil
}

// ListEmails returns the authenticated user's sent email records.
func (c *Controller) ListEmails(ctx context.Context) (*api.ListEmailsResponse, error) {
	token, _, gen, err := c.bearer()
	if err != nil {
		return nil, err
	}

	list, err := c.client.ListEmails(ctx, token)
	if err != nil {
		if packetclient.IsStatus(err, http.StatusUnauthorized) {
			c.handleUnauthorized(ctx, gen)
			return nil, fmt.Errorf("%w: backend rejected the session token", ErrNotAuthenticated)
		}
		return nil, err
	}
	return list, nil
}

// GetEmail retrieves one email record by id.
func (c *Controller) GetEmail(ctx context.Context, id string) (*api.EmailRecord, error) {
	token, _, gen, err := c.bearer()
	if err != nil {
		return nil, err
	}

	record, err := c.client.GetEmail(ctx, token, id)
	if err != nil {
		if packetclient.IsStatus(err, http.StatusUnauthorized) {
			c.handleUnauthorized(ctx, gen)
			return nil, fmt.Errorf("%w: backend rejected the session token", ErrNotAuthenticated)
		}
		return nil, err
	}
	return record, nil
}
