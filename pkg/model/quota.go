package model

import "time"

// Tier classifies an identity for quota purposes.
type Tier string

const (
	TierStandard Tier = "standard"
	TierElevated Tier = "elevated"
)

// ParseTier maps free-form input to a Tier, defaulting to standard.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierElevated, "premium", "vip":
		return TierElevated
	default:
		return TierStandard
	}
}

// DateLayout is the layout of QuotaRecord.LastRequestDate.
const DateLayout = "2006-01-02"

// QuotaRecord holds the durable request counters of one identity.
type QuotaRecord struct {
	Identity        string    `json:"identity"`
	Tier            Tier      `json:"tier"`
	Daily           int       `json:"daily"`
	Monthly         int       `json:"monthly"`
	Settings        Settings  `json:"settings"`
	LastRequestDate string    `json:"last_request_date"`
	CreatedAt       time.Time `json:"created_at"`
}

// Effective returns the counters as they stand on the day of now, after
// applying the daily and monthly resets. The record itself is not modified.
func (q *QuotaRecord) Effective(now time.Time) (daily, monthly int) {
	today := now.Format(DateLayout)
	daily, monthly = q.Daily, q.Monthly
	if q.LastRequestDate != today {
		daily = 0
	}
	if len(q.LastRequestDate) < 7 || q.LastRequestDate[:7] != today[:7] {
		monthly = 0
	}
	if daily < 0 {
		daily = 0
	}
	if monthly < 0 {
		monthly = 0
	}
	return daily, monthly
}
