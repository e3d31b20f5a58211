// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Handler constants
const (
	// MaxRequestBodySize is the maximum accepted JSON request body in bytes (64KB)
	MaxRequestBodySize = 64 << 10

	// DefaultLoginRatePerMinute is the default number of login attempts allowed per client IP per minute
	DefaultLoginRatePerMinute = 10

	// LoginLimiterIdle is how long an idle per-IP login limiter is kept
	LoginLimiterIdle = 10 * time.Minute

	// DescriptorsVersionHeader carries the descriptor snapshot version
	DescriptorsVersionHeader = "X-Descriptors-Version"
)

// Kiosk constants
const (
	// DefaultRevalidateSchedule is the cron schedule for background descriptor revalidation
	DefaultRevalidateSchedule = "@every 15m"

	// DefaultDeviceTag identifies records created by a kiosk terminal
	DefaultDeviceTag = "kiosk"

	// ImportBatchSize is the number of enrollment lines processed per batch by enroll import
	ImportBatchSize = 200
)
