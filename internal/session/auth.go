package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	api "mailship/pkg/api/packet"
	packetclient "mailship/pkg/clients/packet"
	"mailship/pkg/logging"
	"mailship/pkg/wallet"
	"mailship/pkg/walletstore"
)

// Authenticate runs the challenge/sign/verify handshake for the connected
// wallet. Concurrent calls for the same address share one handshake, and
// a result that arrives after the session moved on is discarded. Already
// authenticated is a no-op.
func (c *Controller) Authenticate(ctx context.Context) (View, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return View{State: StateDisconnected}, ErrClosed
	}
	if c.provider == nil {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, ErrNotConnected
	}
	if c.state == StateAuthenticated {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, nil
	}
	provider := c.provider
	address := c.address
	kind := c.walletType
	gen := c.generation
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.metrics.setState(StateAuthenticating)

	_, err, _ := c.sf.Do("auth:"+address, func() (interface{}, error) {
		return nil, c.runHandshake(ctx, provider, address, kind, gen)
	})
	return c.Session(), err
}

func (c *Controller) runHandshake(ctx context.Context, provider wallet.Provider, address string, kind wallet.Kind, gen uint64) error {
	start := time.Now()

	challenge, err := c.client.CreateChallenge(ctx, address, string(kind))
	if err != nil {
		c.failHandshake(gen, string(kind), "challenge_failed", start)
		return fmt.Errorf("%w: %v", ErrChallengeRequest, err)
	}

	signature, err := provider.SignPersonalMessage(ctx, challenge.Message, address)
	if err != nil {
		outcome := "signing_failed"
		if errors.Is(err, wallet.ErrSigningRejected) {
			outcome = "signing_rejected"
		}
		c.failHandshake(gen, string(kind), outcome, start)
		return err
	}

	verified, err := c.client.VerifySignature(ctx, &api.AuthVerifyRequest{
		WalletAddress: address,
		Signature:     signature,
		ChallengeData: *challenge,
		WalletType:    string(kind),
	})
	if err != nil {
		c.failHandshake(gen, string(kind), "verify_failed", start)
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.metrics.recordHandshake(string(kind), "stale", time.Since(start))
		c.logger.WithField("wallet_address", address).Warn("Discarding authentication result, session changed mid-handshake")
		return fmt.Errorf("%w: session changed during authentication", ErrNotConnected)
	}
	c.token = verified.AccessToken
	c.state = StateAuthenticated
	rec := walletstore.Record{Address: c.address, WalletType: string(c.walletType), Token: c.token}
	c.mu.Unlock()

	c.metrics.setState(StateAuthenticated)
	c.metrics.recordHandshake(string(kind), "success", time.Since(start))
	c.persist(ctx, rec)
	c.notify("info", "Wallet authenticated")
	c.logger.WithFields(logging.Fields{
		"wallet_address": address,
		"wallet_type":    string(kind),
		"expires_in":     verified.ExpiresIn,
	}).Info("Wallet authenticated")
	return nil
}

// failHandshake returns the session to connected unless it already moved
// on to a newer generation.
func (c *Controller) failHandshake(gen uint64, walletType, outcome string, start time.Time) {
	c.metrics.recordHandshake(walletType, outcome, time.Since(start))

	c.mu.Lock()
	if c.generation != gen || c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.metrics.setState(StateConnected)
}

// FetchProfile reads the authenticated user's profile through the cache.
// refresh forces a backend read. A 401 flips the session back to
// connected and drops the stored token.
func (c *Controller) FetchProfile(ctx context.Context, refresh bool) (*api.UserProfileResponse, error) {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	token := c.token
	address := c.address
	gen := c.generation
	c.mu.Unlock()

	key := profileKeyPrefix + address
	if refresh {
		c.profiles.Delete(key)
	}

	value, _, err := c.profiles.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		profile, err := c.client.GetProfile(ctx, token)
		if err != nil {
			return nil, false, err
		}
		return profile, true, nil
	})
	if err != nil {
		if packetclient.IsStatus(err, http.StatusUnauthorized) {
			c.handleUnauthorized(ctx, gen)
			return nil, fmt.Errorf("%w: backend rejected the session token", ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("%w: %v", ErrProfileFetch, err)
	}

	profile, ok := value.(*api.UserProfileResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected cached value", ErrProfileFetch)
	}
	return profile, nil
}

// handleUnauthorized drops a token the backend no longer accepts. The
// wallet stays connected; only the authenticated layer is torn down.
func (c *Controller) handleUnauthorized(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.token == "" {
		c.mu.Unlock()
		return
	}
	c.token = ""
	c.state = StateConnected
	rec := walletstore.Record{Address: c.address, WalletType: string(c.walletType)}
	address := c.address
	c.mu.Unlock()

	c.profiles.Delete(profileKeyPrefix + address)
	c.persist(ctx, rec)
	c.metrics.setState(StateConnected)
	c.notify("warning", "Session expired, please authenticate again")
	c.logger.WithField("wallet_address", address).Warn("Backend rejected session token, re-authentication required")
}
