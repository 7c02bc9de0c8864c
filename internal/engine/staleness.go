package engine

import "time"

// DefaultStalenessWindow is the maximum command age shared by every command
// channel.
const DefaultStalenessWindow = 10 * time.Second

// IsActionable reports whether a command created at createdAt may still be
// executed at now. Commands stamped in the future are actionable.
func IsActionable(createdAt, now time.Time, window time.Duration) bool {
	return now.Sub(createdAt) <= window
}
