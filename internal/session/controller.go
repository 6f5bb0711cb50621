// Package session owns the wallet session lifecycle: connecting a
// provider, the challenge/sign/verify handshake against the packet
// backend, reacting to wallet events, and the persisted session snapshot.
// All state lives behind one mutex; network and signing work happens
// outside it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"mailship/internal/payments"
	"mailship/pkg/auth"
	"mailship/pkg/cache"
	"mailship/pkg/chains"
	packetclient "mailship/pkg/clients/packet"
	"mailship/pkg/logging"
	"mailship/pkg/wallet"
	"mailship/pkg/walletstore"
)

// State is the session lifecycle phase.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

var (
	// ErrNotConnected guards operations that need a bound wallet.
	ErrNotConnected = errors.New("no wallet connected")
	// ErrNotAuthenticated guards operations that need a bearer token.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrChallengeRequest wraps a failed challenge fetch.
	ErrChallengeRequest = errors.New("challenge request failed")
	// ErrVerificationFailed wraps a rejected signature verification.
	ErrVerificationFailed = errors.New("signature verification failed")
	// ErrProfileFetch wraps a profile read failure that is not a token
	// rejection.
	ErrProfileFetch = errors.New("profile fetch failed")
	// ErrNoPendingCheckout means a payment resolution was requested with
	// no checkout session to resolve.
	ErrNoPendingCheckout = errors.New("no pending checkout session")
	// ErrClosed is returned after the controller shut down.
	ErrClosed = errors.New("session controller closed")
	// ErrAlreadyConnected is returned when connect is asked to switch
	// provider kinds without a disconnect in between.
	ErrAlreadyConnected = errors.New("another wallet is already connected")
)

const (
	notificationLimit = 32

	profileKeyPrefix = "profile:"
	chainScopePrefix = "chain:"

	defaultProfileTTL = 30 * time.Second
	defaultProfileSWR = 2 * time.Minute
	defaultCatalogTTL = 5 * time.Minute
)

// Notification is one user-facing notice kept in the ring buffer.
type Notification struct {
	Level   string    `json:"level"` // info, warning, error
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// View is the session snapshot served over the control API.
type View struct {
	State           State  `json:"state"`
	Address         string `json:"address,omitempty"`
	WalletType      string `json:"wallet_type,omitempty"`
	ChainID         int    `json:"chain_id,omitempty"`
	ChainName       string `json:"chain_name,omitempty"`
	Authenticated   bool   `json:"authenticated"`
	PendingCheckout string `json:"pending_checkout,omitempty"`
}

// Metrics carries the optional instruments the controller records. Nil
// fields are skipped.
type Metrics struct {
	SessionState      *prometheus.GaugeVec
	Handshakes        *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec
	ProviderEvents    *prometheus.CounterVec
	CacheEvents       *prometheus.CounterVec
}

func (m Metrics) setState(s State) {
	if m.SessionState == nil {
		return
	}
	for _, st := range []State{StateDisconnected, StateConnected, StateAuthenticating, StateAuthenticated} {
		val := 0.0
		if st == s {
			val = 1
		}
		m.SessionState.WithLabelValues(string(st)).Set(val)
	}
}

func (m Metrics) recordEvent(event string) {
	if m.ProviderEvents != nil {
		m.ProviderEvents.WithLabelValues(event).Inc()
	}
}

func (m Metrics) recordHandshake(walletType, outcome string, elapsed time.Duration) {
	if m.Handshakes != nil {
		m.Handshakes.WithLabelValues(walletType, outcome).Inc()
	}
	if m.HandshakeDuration != nil && outcome == "success" {
		m.HandshakeDuration.WithLabelValues(walletType).Observe(elapsed.Seconds())
	}
}

// cacheHooks adapts CacheEvents into per-cache callbacks. Keys are not
// used as labels; only the cache name and the event kind are, so the
// label cardinality stays fixed.
func (m Metrics) cacheHooks(name string) cache.MetricsHooks {
	if m.CacheEvents == nil {
		return cache.MetricsHooks{}
	}
	count := func(event string) func(string) {
		return func(string) { m.CacheEvents.WithLabelValues(name, event).Inc() }
	}
	return cache.MetricsHooks{
		OnHit:   count("hit"),
		OnMiss:  count("miss"),
		OnStale: count("stale"),
		OnStore: func(string, bool) { m.CacheEvents.WithLabelValues(name, "store").Inc() },
	}
}

// Config wires the controller.
type Config struct {
	Client *packetclient.Client
	Store  walletstore.Store
	Logger logging.Logger
	Detect wallet.DetectConfig

	// Poller overrides the default payment poller, mainly for tests.
	Poller *payments.Poller

	ProfileTTL time.Duration
	CatalogTTL time.Duration

	Metrics Metrics
}

// Controller is the session state machine.
type Controller struct {
	client   *packetclient.Client
	store    walletstore.Store
	logger   logging.Logger
	profiles *cache.Cache
	catalogs *cache.Cache
	poller   *payments.Poller
	detect   wallet.DetectConfig
	metrics  Metrics

	sf singleflight.Group

	mu              sync.Mutex
	closed          bool
	state           State
	provider        wallet.Provider
	address         string
	walletType      wallet.Kind
	chainID         int
	token           string
	generation      uint64
	pendingCheckout string
	notifications   []Notification
	reactorDone     chan struct{}
}

// NewController builds a disconnected controller. Call Restore to pick up
// a persisted session and Close to shut down.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}

	profileTTL := cfg.ProfileTTL
	if profileTTL <= 0 {
		profileTTL = defaultProfileTTL
	}
	catalogTTL := cfg.CatalogTTL
	if catalogTTL <= 0 {
		catalogTTL = defaultCatalogTTL
	}

	poller := cfg.Poller
	if poller == nil {
		poller = payments.NewPoller(payments.Config{Client: cfg.Client, Logger: logger})
	}

	c := &Controller{
		client:  cfg.Client,
		store:   cfg.Store,
		logger:  logger,
		poller:  poller,
		detect:  cfg.Detect,
		metrics: cfg.Metrics,

		state: StateDisconnected,
	}
	c.profiles = cache.New(cache.Options{
		TTL:                  profileTTL,
		StaleWhileRevalidate: defaultProfileSWR,
		MaxEntries:           8,
	}, cfg.Metrics.cacheHooks("profiles"))
	c.catalogs = cache.New(cache.Options{
		TTL:        catalogTTL,
		MaxEntries: 32,
	}, cfg.Metrics.cacheHooks("catalogs"))

	cfg.Metrics.setState(StateDisconnected)
	return c
}

// Session returns the current snapshot.
func (c *Controller) Session() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// ProviderConnected reports whether a wallet provider is bound and its
// transport is still up. False on an idle session.
func (c *Controller) ProviderConnected() bool {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	if provider == nil {
		return false
	}
	if probe, ok := provider.(interface{ Connected() bool }); ok {
		return probe.Connected()
	}
	return true
}

func (c *Controller) viewLocked() View {
	v := View{
		State:           c.state,
		Authenticated:   c.state == StateAuthenticated,
		PendingCheckout: c.pendingCheckout,
	}
	if c.address != "" {
		v.Address = c.address
		v.WalletType = string(c.walletType)
	}
	if c.chainID != 0 {
		v.ChainID = c.chainID
		v.ChainName = chains.Name(c.chainID)
	}
	return v
}

// Connect detects the requested provider, runs the account approval
// prompt and binds the session. Connecting again with the same wallet
// type is a no-op; switching types requires a disconnect first.
func (c *Controller) Connect(ctx context.Context, walletType string) (View, error) {
	kind, err := wallet.ParseKind(walletType)
	if err != nil {
		return c.Session(), err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return View{State: StateDisconnected}, ErrClosed
	}
	if c.provider != nil {
		view := c.viewLocked()
		same := c.walletType == kind
		c.mu.Unlock()
		if same {
			return view, nil
		}
		return view, fmt.Errorf("%w: %s is active", ErrAlreadyConnected, view.WalletType)
	}
	c.mu.Unlock()

	provider, err := wallet.Detect(ctx, kind, c.detect)
	if err != nil {
		return c.Session(), err
	}

	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		_ = provider.Close()
		return c.Session(), err
	}
	address, err := auth.NormalizeEthAddress(accounts[0])
	if err != nil {
		_ = provider.Close()
		return c.Session(), fmt.Errorf("provider returned malformed address %q: %w", accounts[0], err)
	}

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		// Chain unknown is not fatal; a chainChanged event or a later
		// read fills it in.
		c.logger.WithError(err).Warn("Could not read chain id at connect")
		chainID = 0
	}

	if err := c.bind(provider, kind, address, chainID, ""); err != nil {
		_ = provider.Close()
		return c.Session(), err
	}

	c.persist(ctx, walletstore.Record{Address: address, WalletType: string(kind)})
	c.notify("info", fmt.Sprintf("Wallet connected: %s", address))
	c.logger.WithFields(logging.Fields{
		"wallet_address": address,
		"wallet_type":    string(kind),
		"chain_id":       chainID,
	}).Info("Wallet connected")

	return c.Session(), nil
}

// bind installs a provider under the lock and starts its reactor.
func (c *Controller) bind(provider wallet.Provider, kind wallet.Kind, address string, chainID int, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.provider != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.generation++
	c.provider = provider
	c.walletType = kind
	c.address = address
	c.chainID = chainID
	c.token = token
	if token != "" {
		c.state = StateAuthenticated
	} else {
		c.state = StateConnected
	}
	state := c.state
	done := make(chan struct{})
	c.reactorDone = done
	c.mu.Unlock()

	c.metrics.setState(state)
	go c.reactor(provider, done)
	return nil
}

// Disconnect tears the session down and clears the persisted record.
// Idempotent.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.disconnect(ctx, nil)
}

// disconnect tears the session down. A non-nil expect makes it a no-op
// unless that provider is still the bound one, which keeps a draining
// reactor from tearing down a successor session.
func (c *Controller) disconnect(ctx context.Context, expect wallet.Provider) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if expect != nil && c.provider != expect {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.provider != nil || c.state != StateDisconnected
	provider := c.provider
	address := c.address

	c.provider = nil
	c.reactorDone = nil
	c.generation++
	c.state = StateDisconnected
	c.address = ""
	c.walletType = ""
	c.chainID = 0
	c.token = ""
	c.pendingCheckout = ""
	c.mu.Unlock()

	if provider != nil {
		_ = provider.Close()
	}
	if address != "" {
		c.profiles.Delete(profileKeyPrefix + address)
	}
	c.catalogs.DeletePrefix(chainScopePrefix)

	if err := c.store.Clear(ctx); err != nil {
		c.logger.WithError(err).Warn("Could not clear persisted session")
	}

	c.metrics.setState(StateDisconnected)
	if wasConnected {
		c.notify("info", "Wallet disconnected")
		c.logger.WithField("wallet_address", address).Info("Wallet disconnected")
	}
	return nil
}

// SwitchChain asks the bound wallet to activate another network. The
// session chain is updated from a fresh provider read instead of waiting
// for the chainChanged notification, so the returned view already names
// the new network; the notification then lands as a no-op.
func (c *Controller) SwitchChain(ctx context.Context, chainID int) (View, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return View{}, ErrClosed
	}
	provider := c.provider
	c.mu.Unlock()
	if provider == nil {
		return c.Session(), ErrNotConnected
	}

	if err := provider.SwitchChain(ctx, chainID); err != nil {
		return c.Session(), err
	}

	current, err := provider.ChainID(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Could not read chain id after switch")
		return c.Session(), nil
	}
	c.applyChain(provider, current)
	return c.Session(), nil
}

// Restore rebinds a persisted session at startup. The provider must still
// expose the stored address through a silent account read; a stale
// identity clears the record, while an unavailable provider keeps it for
// the next start. A stored token restores straight to authenticated and
// the next profile read validates it.
func (c *Controller) Restore(ctx context.Context) error {
	rec, found, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted session: %w", err)
	}
	if !found {
		return nil
	}

	kind, err := wallet.ParseKind(rec.WalletType)
	if err != nil {
		c.logger.WithField("wallet_type", rec.WalletType).Warn("Persisted session has unknown wallet type, clearing")
		return c.store.Clear(ctx)
	}
	address, err := auth.NormalizeEthAddress(rec.Address)
	if err != nil {
		c.logger.WithField("wallet_address", rec.Address).Warn("Persisted session has malformed address, clearing")
		return c.store.Clear(ctx)
	}

	provider, err := wallet.Detect(ctx, kind, c.detect)
	if err != nil {
		c.logger.WithError(err).Info("Provider unavailable, keeping persisted session for next start")
		return nil
	}

	accounts, err := provider.Accounts(ctx)
	if err != nil {
		_ = provider.Close()
		c.logger.WithError(err).Warn("Silent account read failed during restore")
		return nil
	}
	if !containsAddress(accounts, address) {
		_ = provider.Close()
		c.logger.WithField("wallet_address", address).Info("Stored account no longer authorized, clearing session")
		return c.store.Clear(ctx)
	}

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Could not read chain id during restore")
		chainID = 0
	}

	if err := c.bind(provider, kind, address, chainID, rec.Token); err != nil {
		_ = provider.Close()
		return err
	}

	c.notify("info", fmt.Sprintf("Session restored: %s", address))
	c.logger.WithFields(logging.Fields{
		"wallet_address": address,
		"wallet_type":    string(kind),
		"authenticated":  rec.Token != "",
	}).Info("Session restored from store")
	return nil
}

func containsAddress(accounts []string, address string) bool {
	for _, a := range accounts {
		if normalized, err := auth.NormalizeEthAddress(a); err == nil && normalized == address {
			return true
		}
	}
	return false
}

// Close stops the controller without touching the persisted record, so
// the session survives an agent restart.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	provider := c.provider
	done := c.reactorDone
	c.provider = nil
	c.reactorDone = nil
	c.mu.Unlock()

	if provider != nil {
		_ = provider.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// reactor consumes provider events until the provider closes. It is
// started exactly once per bound provider.
func (c *Controller) reactor(provider wallet.Provider, done chan struct{}) {
	defer close(done)

	for event := range provider.Events() {
		c.metrics.recordEvent(string(event.Type))
		switch event.Type {
		case wallet.EventAccountsChanged:
			c.onAccountsChanged(provider, event.Accounts)
		case wallet.EventChainChanged:
			c.onChainChanged(provider, event.ChainHex)
		}
	}
}

func (c *Controller) onAccountsChanged(provider wallet.Provider, accounts []string) {
	if len(accounts) == 0 {
		c.logger.Info("Wallet revoked all accounts")
		_ = c.disconnect(context.Background(), provider)
		return
	}

	address, err := auth.NormalizeEthAddress(accounts[0])
	if err != nil {
		c.logger.WithError(err).Warn("Ignoring accountsChanged with malformed address")
		return
	}

	c.mu.Lock()
	if c.provider != provider || address == c.address {
		c.mu.Unlock()
		return
	}
	previous := c.address
	c.address = address
	c.token = ""
	c.state = StateConnected
	c.generation++
	c.pendingCheckout = ""
	kind := c.walletType
	c.mu.Unlock()

	c.profiles.Delete(profileKeyPrefix + previous)
	c.persist(context.Background(), walletstore.Record{Address: address, WalletType: string(kind)})

	c.metrics.setState(StateConnected)
	c.notify("info", fmt.Sprintf("Wallet account changed to %s, re-authentication required", address))
	c.logger.WithFields(logging.Fields{
		"wallet_address": address,
		"previous":       previous,
	}).Info("Wallet account changed, token dropped")
}

func (c *Controller) onChainChanged(provider wallet.Provider, chainHex string) {
	chainID, err := chains.ParseChainID(chainHex)
	if err != nil {
		c.logger.WithError(err).WithField("chain_hex", chainHex).Warn("Ignoring malformed chainChanged")
		return
	}
	c.applyChain(provider, chainID)
}

// applyChain records a canonical chain id and invalidates network-scoped
// cached state. No-op when the chain is unchanged or the provider has
// been swapped out.
func (c *Controller) applyChain(provider wallet.Provider, chainID int) {
	c.mu.Lock()
	if c.provider != provider || chainID == c.chainID {
		c.mu.Unlock()
		return
	}
	c.chainID = chainID
	c.mu.Unlock()

	invalidated := c.catalogs.DeletePrefix(chainScopePrefix)

	name := chains.Name(chainID)
	c.notify("info", fmt.Sprintf("Network changed to %s", name))
	c.logger.WithFields(logging.Fields{
		"chain_id":    chainID,
		"chain_name":  name,
		"invalidated": invalidated,
	}).Info("Chain changed, network-scoped state invalidated")
}

// persist writes the whole session record, logging instead of failing:
// a broken store costs restart persistence, not the live session.
func (c *Controller) persist(ctx context.Context, rec walletstore.Record) {
	if err := c.store.Save(ctx, rec); err != nil {
		c.logger.WithError(err).Warn("Could not persist session record")
	}
}

func (c *Controller) notify(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, Notification{
		Level:   level,
		Message: message,
		Time:    time.Now().UTC(),
	})
	if len(c.notifications) > notificationLimit {
		c.notifications = c.notifications[len(c.notifications)-notificationLimit:]
	}
}

// Notifications returns the ring buffer contents, oldest first.
func (c *Controller) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.notifications))
	copy(out, c.notifications)
	return out
}
