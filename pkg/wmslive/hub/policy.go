package hub

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultBackoffFactor  = 1.0
	UnlimitedRetries      = -1
)

// ReconnectPolicy decides whether and when the hub retries a lost or failed
// connection. The default policy retries forever with a constant delay.
type ReconnectPolicy struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	maxRetries    int
	enabled       int32
}

// ReconnectPolicyBuilder provides a fluent interface for building a ReconnectPolicy.
type ReconnectPolicyBuilder struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	maxRetries    int
	enabled       bool
}

// NewReconnectPolicy creates a builder with the default settings: 5s constant
// delay, unlimited retries, enabled.
func NewReconnectPolicy() *ReconnectPolicyBuilder {
	return &ReconnectPolicyBuilder{
		initialDelay:  DefaultReconnectDelay,
		maxDelay:      DefaultReconnectDelay,
		backoffFactor: DefaultBackoffFactor,
		maxRetries:    UnlimitedRetries,
		enabled:       true,
	}
}

// WithDelay sets a constant reconnect delay. It is shorthand for setting the
// initial and maximum delay to the same value with no backoff.
func (b *ReconnectPolicyBuilder) WithDelay(delay time.Duration) *ReconnectPolicyBuilder {
	if delay > 0 {
		b.initialDelay = delay
		b.maxDelay = delay
		b.backoffFactor = 1.0
	}
	return b
}

// WithInitialDelay sets the delay before the first retry. Non-positive values are ignored.
func (b *ReconnectPolicyBuilder) WithInitialDelay(delay time.Duration) *ReconnectPolicyBuilder {
	if delay > 0 {
		b.initialDelay = delay
	}
	return b
}

// WithMaxDelay caps the delay between retries. Non-positive values are ignored.
func (b *ReconnectPolicyBuilder) WithMaxDelay(delay time.Duration) *ReconnectPolicyBuilder {
	if delay > 0 {
		b.maxDelay = delay
	}
	return b
}

// WithBackoffFactor sets the multiplier applied to the delay after each
// failed attempt. Values below 1.0 are ignored.
func (b *ReconnectPolicyBuilder) WithBackoffFactor(factor float64) *ReconnectPolicyBuilder {
	if factor >= 1.0 {
		b.backoffFactor = factor
	}
	return b
}

// WithMaxRetries limits consecutive failed attempts. -1 means unlimited;
// values below -1 are ignored.
func (b *ReconnectPolicyBuilder) WithMaxRetries(retries int) *ReconnectPolicyBuilder {
	if retries >= -1 {
		b.maxRetries = retries
	}
	return b
}

// WithEnabled sets whether automatic reconnection happens at all.
func (b *ReconnectPolicyBuilder) WithEnabled(enabled bool) *ReconnectPolicyBuilder {
	b.enabled = enabled
	return b
}

// Build creates the ReconnectPolicy.
func (b *ReconnectPolicyBuilder) Build() *ReconnectPolicy {
	maxDelay := b.maxDelay
	if maxDelay < b.initialDelay {
		maxDelay = b.initialDelay
	}

	p := &ReconnectPolicy{
		initialDelay:  b.initialDelay,
		maxDelay:      maxDelay,
		backoffFactor: b.backoffFactor,
		maxRetries:    b.maxRetries,
	}
	p.SetEnabled(b.enabled)
	return p
}

// Delay returns how long to wait before the given attempt, counting from 1.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.initialDelay) * math.Pow(p.backoffFactor, float64(attempt-1))
	if delay > float64(p.maxDelay) || math.IsInf(delay, 1) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the given attempt, counting from 1, may be made.
func (p *ReconnectPolicy) ShouldRetry(attempt int) bool {
	if !p.IsEnabled() {
		return false
	}
	return p.maxRetries < 0 || attempt <= p.maxRetries
}

// IsEnabled returns whether automatic reconnection is enabled.
func (p *ReconnectPolicy) IsEnabled() bool {
	return atomic.LoadInt32(&p.enabled) == 1
}

// SetEnabled enables or disables automatic reconnection at runtime.
func (p *ReconnectPolicy) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&p.enabled, 1)
	} else {
		atomic.StoreInt32(&p.enabled, 0)
	}
}
