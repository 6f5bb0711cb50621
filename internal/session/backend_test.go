package session

import (
	"context"
	"errors"
	"testing"

	"mailship/internal/payments"
	api "mailship/pkg/api/packet"
	packetclient "mailship/pkg/clients/packet"
)

func TestTiersCatalog(t *testing.T) {
	r := newRig(t)

	tiers, err := r.ctrl.Tiers(context.Background())
	if err != nil {
		t.Fatalf("Tiers failed: %v", err)
	}
	if tiers.Count != 2 || len(tiers.Tiers) != 2 {
		t.Fatalf("Expected 2 tiers, got %+v", tiers)
	}
	if tiers.Tiers[0].Name != "free" || tiers.Tiers[1].Name != "pro" {
		t.Errorf("Unexpected tier names: %s, %s", tiers.Tiers[0].Name, tiers.Tiers[1].Name)
	}

	if _, err := r.ctrl.Tiers(context.Background()); err != nil {
		t.Fatalf("Second Tiers failed: %v", err)
	}
	if calls := r.packet.TiersCalls(); calls != 1 {
		t.Errorf("Expected cached second read, got %d backend calls", calls)
	}
}

func TestPackagesCatalog(t *testing.T) {
	r := newRig(t)

	packages, err := r.ctrl.Packages(context.Background())
	if err != nil {
		t.Fatalf("Packages failed: %v", err)
	}
	if packages.Count != 2 {
		t.Fatalf("Expected 2 packages, got %+v", packages)
	}
	if packages.Packages[0].Name != "starter" || packages.Packages[0].Credits != 100 {
		t.Errorf("Unexpected package: %+v", packages.Packages[0])
	}
}

func TestStartCheckoutTracksSession(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)
	r.packet.SetNextCheckoutSession("cs_test_900")

	checkout, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{
		Kind:      "subscription",
		Name:      "pro",
		OriginURL: "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}
	if checkout.SessionID != "cs_test_900" {
		t.Errorf("Expected session cs_test_900, got %s", checkout.SessionID)
	}
	if checkout.CheckoutURL == "" {
		t.Error("Expected a checkout URL")
	}
	if pending := r.ctrl.Session().PendingCheckout; pending != "cs_test_900" {
		t.Errorf("Expected pending checkout tracked, got %q", pending)
	}
}

func TestStartCheckoutCredits(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)

	checkout, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{
		Kind:      "credits",
		Name:      "starter",
		OriginURL: "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}
	if checkout.SessionID == "" {
		t.Error("Expected a checkout session id")
	}
}

func TestStartCheckoutRequiresAuth(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	_, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{Kind: "credits", Name: "starter"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestStartCheckoutUnknownKind(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)

	if _, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{Kind: "donation", Name: "x"}); err == nil {
		t.Error("Expected an error for an unknown checkout kind")
	}
}

func TestResolvePaymentPaid(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)
	r.packet.SetNextCheckoutSession("cs_test_901")
	r.packet.SetPaymentStatuses("cs_test_901", "pending", "paid")

	if _, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{
		Kind: "credits", Name: "starter", OriginURL: "http://localhost:3000",
	}); err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}

	result, err := r.ctrl.ResolvePayment(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolvePayment failed: %v", err)
	}
	if result.Outcome != payments.OutcomeSuccess {
		t.Errorf("Expected success, got %s", result.Outcome)
	}
	if result.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", result.Attempts)
	}
	if pending := r.ctrl.Session().PendingCheckout; pending != "" {
		t.Errorf("Expected pending checkout cleared, got %q", pending)
	}
	if calls := r.packet.ProfileCalls(); calls == 0 {
		t.Error("Expected a profile refresh after payment")
	}

	notes := r.ctrl.Notifications()
	last := notes[len(notes)-1]
	if last.Message != "Payment confirmed: 9.99 USD, account updated" {
		t.Errorf("Unexpected confirmation notice: %q", last.Message)
	}
}

func TestResolvePaymentExpired(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)
	r.packet.SetNextCheckoutSession("cs_test_902")
	r.packet.SetPaymentStatuses("cs_test_902", "expired")

	if _, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{
		Kind: "credits", Name: "starter",
	}); err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}

	result, err := r.ctrl.ResolvePayment(context.Background(), "")
	if !errors.Is(err, payments.ErrPaymentExpired) {
		t.Fatalf("Expected ErrPaymentExpired, got %v", err)
	}
	if result.Outcome != payments.OutcomeExpired {
		t.Errorf("Expected expired outcome, got %s", result.Outcome)
	}
	if pending := r.ctrl.Session().PendingCheckout; pending != "" {
		t.Errorf("Expected pending checkout cleared, got %q", pending)
	}
}

func TestResolvePaymentTimesOut(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)
	r.packet.SetNextCheckoutSession("cs_test_903")
	r.packet.SetPaymentStatuses("cs_test_903", "pending")

	if _, err := r.ctrl.StartCheckout(context.Background(), CheckoutParams{
		Kind: "credits", Name: "starter",
	}); err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}

	result, err := r.ctrl.ResolvePayment(context.Background(), "")
	if !errors.Is(err, payments.ErrPaymentTimedOut) {
		t.Fatalf("Expected ErrPaymentTimedOut, got %v", err)
	}
	if result.Attempts != payments.DefaultMaxAttempts {
		t.Errorf("Expected the full attempt budget, got %d", result.Attempts)
	}
	if calls := r.packet.StatusCalls("cs_test_903"); calls != payments.DefaultMaxAttempts {
		t.Errorf("Expected %d status reads, got %d", payments.DefaultMaxAttempts, calls)
	}
	if pending := r.ctrl.Session().PendingCheckout; pending != "" {
		t.Errorf("Expected pending checkout cleared, got %q", pending)
	}
}

func TestResolvePaymentExplicitSession(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)
	r.packet.SetPaymentStatuses("cs_manual", "paid")

	result, err := r.ctrl.ResolvePayment(context.Background(), "cs_manual")
	if err != nil {
		t.Fatalf("ResolvePayment failed: %v", err)
	}
	if result.Outcome != payments.OutcomeSuccess || result.Attempts != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestResolvePaymentNoPending(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)

	if _, err := r.ctrl.ResolvePayment(context.Background(), ""); !errors.Is(err, ErrNoPendingCheckout) {
		t.Errorf("Expected ErrNoPendingCheckout, got %v", err)
	}
}

func TestResolvePaymentRequiresAuth(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	if _, err := r.ctrl.ResolvePayment(context.Background(), "cs_x"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSendEmailDebitsCredits(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)

	before, err := r.ctrl.FetchProfile(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchProfile failed: %v", err)
	}
	if before.EmailCredits != 10 {
		t.Fatalf("Expected 10 starting credits, got %d", before.EmailCredits)
	}

	resp, err := r.ctrl.SendEmail(context.Background(), &api.EmailData{
		FromAddress: "sender@mailship.test",
		ToAddresses: []string{"rcpt@mailship.test"},
		Subject:     "consensus timestamp test",
		Body:        "hello",
	}, nil)
	if err != nil {
		t.Fatalf("SendEmail failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("Expected send success")
	}
	receipt := resp.Timestamp
	if receipt.EmailID == "" || receipt.ContentHash == "" || receipt.HederaTopicID == "" {
		t.Errorf("Incomplete receipt: %+v", receipt)
	}

	// The send invalidated the cached profile, so this read hits the
	// backend and sees the debit.
	after, err := r.ctrl.FetchProfile(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchProfile failed: %v", err)
	}
	if after.EmailCredits != 9 {
		t.Errorf("Expected 9 credits after send, got %d", after.EmailCredits)
	}
}

func TestSendEmailInsufficientCredits(t *testing.T) {
	r := newRig(t)
	view := r.connect(t)
	r.authenticate(t)
	r.packet.SetCredits(view.Address, 0)

	_, err := r.ctrl.SendEmail(context.Background(), &api.EmailData{
		FromAddress: "sender@mailship.test",
		ToAddresses: []string{"rcpt@mailship.test"},
		Subject:     "no credits",
		Body:        "hello",
	}, nil)
	if !errors.Is(err, packetclient.ErrInsufficientCredits) {
		t.Errorf("Expected ErrInsufficientCredits, got %v", err)
	}
}

func TestListAndGetEmails(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.authenticate(t)

	for _, subject := range []string{"first", "second"} {
		if _, err := r.ctrl.SendEmail(context.Background(), &api.EmailData{
			FromAddress: "sender@mailship.test",
			ToAddresses: []string{"rcpt@mailship.test"},
			Subject:     subject,
			Body:        "hello",
		}, nil); err != nil {
			t.Fatalf("SendEmail %q failed: %v", subject, err)
		}
	}

	list, err := r.ctrl.ListEmails(context.Background())
	if err != nil {
		t.Fatalf("ListEmails failed: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("Expected 2 emails, got %d", list.Count)
	}

	record, err := r.ctrl.GetEmail(context.Background(), list.Emails[0].ID)
	if err != nil {
		t.Fatalf("GetEmail failed: %v", err)
	}
	if record.ID != list.Emails[0].ID || record.ContentHash == "" {
		t.Errorf("Unexpected record: %+v", record)
	}

	if _, err := r.ctrl.GetEmail(context.Background(), "em_999"); !packetclient.IsStatus(err, 404) {
		t.Errorf("Expected a 404 for an unknown email, got %v", err)
	}
}

func TestEmailOperationsRequireAuth(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	if _, err := r.ctrl.SendEmail(context.Background(), &api.EmailData{}, nil); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated from SendEmail, got %v", err)
	}
	if _, err := r.ctrl.ListEmails(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated from ListEmails, got %v", err)
	}
	if _, err := r.ctrl.GetEmail(context.Background(), "em_001"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated from GetEmail, got %v", err)
	}
}
