// Package client provides the resilient upstream client: identity
// rotation, exponential backoff for transport failures and distinct
// recovery paths for throttle and block replies.
package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/manga-cache/pkg/clock"
)

// Config holds the retry policy.
type Config struct {
	// MaxAttempts per logical call, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`

	// ThrottleCooldown is the fixed pool-wide pause after a 429.
	ThrottleCooldown time.Duration `mapstructure:"throttle_cooldown"`

	// BanBackoff is multiplied by the attempt number after a 403.
	BanBackoff time.Duration `mapstructure:"ban_backoff"`

	// TransportBackoff is doubled per attempt after transport failures.
	TransportBackoff time.Duration `mapstructure:"transport_backoff"`
}

// DefaultConfig returns 3 attempts, 5m throttle, 60s*n ban and 1s,2s,...
// transport backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		ThrottleCooldown: 5 * time.Minute,
		BanBackoff:       60 * time.Second,
		TransportBackoff: 1 * time.Second,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.ThrottleCooldown < 0 || c.BanBackoff < 0 || c.TransportBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	return nil
}

// Client performs logical upstream calls. It is safe for concurrent use;
// the cool-down gate is shared by all calls of one Client.
type Client struct {
	peer     Peer
	pool     *IdentityPool
	config   Config
	clock    clock.Clock
	banLog   *BanLog
	observer Observer
	logger   zerolog.Logger
	gate     cooldownGate
}

// Option customizes a Client.
type Option func(*Client)

// WithClock sets the clock used for waits and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithBanLog sets the ban alert sink.
func WithBanLog(b *BanLog) Option {
	return func(c *Client) { c.banLog = b }
}

// WithObserver sets the per-attempt outcome sink.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client.
func New(peer Peer, pool *IdentityPool, cfg Config, opts ...Option) (*Client, error) {
	if peer == nil {
		return nil, fmt.Errorf("peer is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("identity pool is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		peer:     peer,
		pool:     pool,
		config:   cfg,
		clock:    clock.New(),
		observer: nopObserver{},
		logger:   log.With().Str("component", "upstream-client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.banLog == nil {
		c.banLog = NewBanLog(io.Discard, c.clock)
	}
	return c, nil
}

// Cooldown reports the pending pool-wide pause and its cause.
func (c *Client) Cooldown() (time.Duration, ErrorClass) {
	return c.gate.remaining(c.clock.Now())
}

// BanAlerts returns the number of ban alerts recorded.
func (c *Client) BanAlerts() int64 {
	return c.banLog.Count()
}

// Fetch performs the logical call req and returns the reply body.
// Failures are returned as *UpstreamError; caller cancellation is
// returned as the context error.
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	call := &call{req: req, resource: req.Resource()}

	for {
		switch call.state {
		case stateIdle:
			call.state = stateAttempting

		case stateAttempting:
			if _, err := c.gate.wait(ctx, c.clock); err != nil {
				return nil, err
			}
			if err := c.attempt(ctx, call); err != nil {
				return nil, err
			}

		case stateBackoff:
			if err := c.backoff(ctx, call); err != nil {
				return nil, err
			}
			call.state = stateAttempting

		case stateTerminal:
			return call.result()
		}
	}
}

// attempt runs one try and moves the call to Backoff or Terminal. It
// returns an error only when the caller's context ended.
func (c *Client) attempt(ctx context.Context, call *call) error {
	identity := c.pool.Pick()
	call.attempts++

	start := c.clock.Now()
	resp, err := c.peer.Do(ctx, call.req, identity)
	upstreamAttemptDuration.WithLabelValues(string(call.req.Kind)).Observe(c.clock.Now().Sub(start).Seconds())

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	switch {
	case err != nil:
		call.class, call.status, call.err = ClassTransport, 0, err
	default:
		call.class, call.status, call.err = classifyStatus(resp.Status), resp.Status, nil
	}

	outcome := OutcomeSuccess
	if call.class != "" {
		outcome = string(call.class)
	}
	c.observer.RecordUpstreamCall(outcome)
	upstreamAttemptsTotal.WithLabelValues(string(call.req.Kind), outcome).Inc()

	event := c.logger.Debug()
	if call.class != "" {
		event = c.logger.Warn()
	}
	event.
		Str("resource", call.resource).
		Int("attempt", call.attempts).
		Int("status", call.status).
		Str("outcome", outcome).
		Err(call.err).
		Msg("Upstream attempt")

	if call.class == "" {
		call.body = resp.Body
		call.state = stateTerminal
		return nil
	}

	if call.class == ClassBlocked {
		c.onBlocked(call)
	}
	if call.class == ClassThrottled || call.class == ClassBlocked {
		c.gate.extend(c.clock.Now().Add(c.penalty(call)), call.class)
	}

	if !call.class.retryable() || call.attempts >= c.config.MaxAttempts {
		call.state = stateTerminal
		return nil
	}
	call.state = stateBackoff
	return nil
}

// onBlocked records the ban alert and drops the session.
func (c *Client) onBlocked(call *call) {
	upstreamBansTotal.Inc()
	if err := c.banLog.Record(call.status, call.resource); err != nil {
		c.logger.Error().Err(err).Msg("Failed to record ban alert")
	}
	c.peer.Reset()
	c.logger.Error().
		Str("resource", call.resource).
		Int("attempt", call.attempts).
		Msg("Upstream blocked request, session recreated")
}

// penalty is the wait earned by the last attempt's class.
func (c *Client) penalty(call *call) time.Duration {
	switch call.class {
	case ClassTransport:
		return c.config.TransportBackoff << (call.attempts - 1)
	case ClassThrottled:
		return c.config.ThrottleCooldown
	case ClassBlocked:
		return c.config.BanBackoff * time.Duration(call.attempts)
	}
	return 0
}

// backoff applies the wait before the next attempt. Transport waits are
// local to the call. Throttle and ban replies already closed the shared
// gate in attempt, even on the last attempt, so the next attempt of any
// call waits there.
func (c *Client) backoff(ctx context.Context, call *call) error {
	wait := c.penalty(call)
	upstreamBackoffSeconds.WithLabelValues(string(call.class)).Observe(wait.Seconds())

	c.logger.Info().
		Str("resource", call.resource).
		Str("error_class", string(call.class)).
		Int("attempt", call.attempts).
		Dur("wait", wait).
		Msg("Backing off before next attempt")

	if call.class == ClassTransport {
		return c.clock.Sleep(ctx, wait)
	}
	return nil
}

// attemptState is the position of a logical call in its lifecycle.
type attemptState int

const (
	stateIdle attemptState = iota
	stateAttempting
	stateBackoff
	stateTerminal
)

func (s attemptState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAttempting:
		return "attempting"
	case stateBackoff:
		return "backoff"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// call is the state of one logical call.
type call struct {
	req      Request
	resource string
	state    attemptState
	attempts int
	class    ErrorClass
	status   int
	err      error
	body     []byte
}

func (c *call) result() ([]byte, error) {
	if c.class == "" {
		return c.body, nil
	}
	if c.class.retryable() {
		upstreamExhaustedTotal.WithLabelValues(string(c.class)).Inc()
	}
	return nil, &UpstreamError{
		Class:    c.class,
		Status:   c.status,
		Attempts: c.attempts,
		Resource: c.resource,
		Err:      c.err,
	}
}
