// Package quota gates upstream-bound operations per identity using daily
// and monthly request windows with tier-specific limits.
package quota

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

// Window names the counting window that denied a request.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Default limits per tier.
const (
	StandardDailyLimit   = 10
	StandardMonthlyLimit = 300
	ElevatedDailyLimit   = 100
	ElevatedMonthlyLimit = 3000
)

// ErrQuotaExceeded matches every *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limits are the request allowances of one tier.
type Limits struct {
	Daily   int `mapstructure:"daily" json:"daily"`
	Monthly int `mapstructure:"monthly" json:"monthly"`
}

// Config holds the limits of every tier.
type Config struct {
	Standard Limits `mapstructure:"standard"`
	Elevated Limits `mapstructure:"elevated"`
}

// DefaultConfig returns the stock limits: 10/300 standard, 100/3000 elevated.
func DefaultConfig() Config {
	return Config{
		Standard: Limits{Daily: StandardDailyLimit, Monthly: StandardMonthlyLimit},
		Elevated: Limits{Daily: ElevatedDailyLimit, Monthly: ElevatedMonthlyLimit},
	}
}

// For returns the limits of tier. Unknown tiers get standard limits.
func (c Config) For(tier model.Tier) Limits {
	if tier == model.TierElevated {
		return c.Elevated
	}
	return c.Standard
}

// Validate rejects non-positive limits.
func (c Config) Validate() error {
	for name, l := range map[string]Limits{"standard": c.Standard, "elevated": c.Elevated} {
		if l.Daily <= 0 || l.Monthly <= 0 {
			return fmt.Errorf("%s limits must be positive (daily %d, monthly %d)", name, l.Daily, l.Monthly)
		}
		if l.Daily > l.Monthly {
			return fmt.Errorf("%s daily limit %d exceeds monthly limit %d", name, l.Daily, l.Monthly)
		}
	}
	return nil
}

// ExceededError reports which window denied a request. It is a user-facing
// condition, not a system fault.
type ExceededError struct {
	Window Window
	Limit  int
	Tier   model.Tier
}

// Error implements the error interface.
func (e *ExceededError) Error() string {
	if e.Window == WindowDaily {
		return fmt.Sprintf("daily limit of %d requests reached, try again tomorrow", e.Limit)
	}
	return fmt.Sprintf("monthly limit of %d requests reached", e.Limit)
}

// Is lets errors.Is(err, ErrQuotaExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Window  Window
	Limit   int
	Daily   int
	Monthly int
}

// Reason returns a message suitable for end users, empty when allowed.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	return d.Err().Error()
}

// Err returns the denial as an *ExceededError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Window: d.Window, Limit: d.Limit}
}

// evaluate compares effective usage against limits. The daily window is
// checked first so a user who exhausted both sees the sooner reset.
func evaluate(l Limits, daily, monthly int) Decision {
	d := Decision{Allowed: true, Daily: daily, Monthly: monthly}
	switch {
	case daily >= l.Daily:
		d.Allowed, d.Window, d.Limit = false, WindowDaily, l.Daily
	case monthly >= l.Monthly:
		d.Allowed, d.Window, d.Limit = false, WindowMonthly, l.Monthly
	}
	return d
}
