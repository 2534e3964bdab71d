package schema

import (
	"strings"
	"time"
)

// Urgency grades how soon the user should expect visible progress,
// derived from the estimated time remaining.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// UrgencyForRemaining classifies an estimated remaining duration in
// milliseconds: under 5s high, 5-10s medium, over 10s low.
func UrgencyForRemaining(remainingMS int64) Urgency {
	switch {
	case remainingMS < 5000:
		return UrgencyHigh
	case remainingMS <= 10000:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Severity grades an error event for display.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// SeverityForError maps an error type to its display severity.
// authentication/database are critical, timeout/rate_limit/validation
// are high, everything else is medium.
func SeverityForError(errorType string) Severity {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "authentication", "database":
		return SeverityCritical
	case "timeout", "rate_limit", "validation":
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// DurationBucket buckets a completed operation's wall time.
type DurationBucket string

const (
	BucketFast     DurationBucket = "fast"
	BucketMedium   DurationBucket = "medium"
	BucketSlow     DurationBucket = "slow"
	BucketVerySlow DurationBucket = "very_slow"
)

// BucketForDuration: fast <5s, medium <15s, slow <60s, very_slow >=60s.
func BucketForDuration(d time.Duration) DurationBucket {
	switch {
	case d < 5*time.Second:
		return BucketFast
	case d < 15*time.Second:
		return BucketMedium
	case d < 60*time.Second:
		return BucketSlow
	default:
		return BucketVerySlow
	}
}
