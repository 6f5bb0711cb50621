// Package payments drives the bounded status poll that follows a hosted
// checkout. The checkout provider confirms payment asynchronously, so the
// agent polls the backend a fixed number of times and then gives up with
// an explicit outcome instead of spinning forever.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	api "mailship/pkg/api/packet"
	packet "mailship/pkg/clients/packet"
	"mailship/pkg/logging"
)

const (
	// DefaultMaxAttempts bounds the poll budget.
	DefaultMaxAttempts = 5
	// DefaultInterval is the fixed delay between attempts.
	DefaultInterval = 2 * time.Second
)

var (
	// ErrPaymentCheck marks one failed status read. Attempt errors are
	// swallowed and counted against the budget, never returned alone.
	ErrPaymentCheck = errors.New("payment status check failed")
	// ErrPaymentExpired means the checkout session expired unpaid.
	ErrPaymentExpired = errors.New("payment session expired")
	// ErrPaymentTimedOut means the budget ran out without a terminal
	// status. The payment may still complete backend-side.
	ErrPaymentTimedOut = errors.New("payment status polling timed out")
)

// Outcome is the terminal result of one poll run.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeExpired  Outcome = "expired"
	OutcomeTimedOut Outcome = "timed_out"
)

// Result reports how a poll run ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	// Status is the last successfully read payment status, nil when every
	// attempt errored.
	Status *api.PaymentStatusResponse
	// LastError is the most recent attempt error, wrapped in
	// ErrPaymentCheck. Nil when the terminal attempt read cleanly.
	LastError error
}

// Config wires the poller. Zero MaxAttempts and Interval select the
// defaults; the metrics instruments are optional.
type Config struct {
	Client      *packet.Client
	Logger      logging.Logger
	MaxAttempts int
	Interval    time.Duration

	Polls        *prometheus.CounterVec
	AttemptsUsed *prometheus.HistogramVec
}

// Poller runs on the caller's goroutine and honors context cancellation
// between attempts.
type Poller struct {
	client       *packet.Client
	logger       logging.Logger
	maxAttempts  int
	interval     time.Duration
	polls        *prometheus.CounterVec
	attemptsUsed *prometheus.HistogramVec
}

func NewPoller(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		client:       cfg.Client,
		logger:       logger,
		maxAttempts:  maxAttempts,
		interval:     interval,
		polls:        cfg.Polls,
		attemptsUsed: cfg.AttemptsUsed,
	}
}

// Poll reads the payment status for sessionID until it turns terminal or
// the attempt budget runs out. The returned Result always carries the
// outcome; the error is nil only for OutcomeSuccess.
func (p *Poller) Poll(ctx context.Context, token, sessionID string) (*Result, error) {
	var lastErr error
	var lastStatus *api.PaymentStatusResponse

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		status, err := p.client.GetPaymentStatus(ctx, token, sessionID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrPaymentCheck, err)
			p.logger.WithError(lastErr).WithFields(logging.Fields{
				"session_id": sessionID,
				"attempt":    attempt,
				"max":        p.maxAttempts,
			}).Warn("Payment status check failed")
			continue
		}

		switch status.Status {
		case api.PaymentStatusPaid:
			result := &Result{Outcome: OutcomeSuccess, Attempts: attempt, Status: status}
			p.record(result)
			return result, nil

		case api.PaymentStatusExpired:
			result := &Result{Outcome: OutcomeExpired, Attempts: attempt, Status: status}
			p.record(result)
			return result, ErrPaymentExpired

		default:
			// pending, keep polling
			lastErr = nil
			lastStatus = status
		}
	}

	result := &Result{
		Outcome:   OutcomeTimedOut,
		Attempts:  p.maxAttempts,
		Status:    lastStatus,
		LastError: lastErr,
	}
	p.record(result)
	return result, ErrPaymentTimedOut
}

func (p *Poller) record(result *Result) {
	if p.polls != nil {
		p.polls.WithLabelValues(string(result.Outcome)).Inc()
	}
	if p.attemptsUsed != nil {
		p.attemptsUsed.WithLabelValues(string(result.Outcome)).Observe(float64(result.Attempts))
	}
}
