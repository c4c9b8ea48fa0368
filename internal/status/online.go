// Package status derives device liveness from the last check-in time.
package status

import "time"

const (
	// DashboardThreshold is the general staleness cutoff for reporting a device online
	DashboardThreshold = 300 * time.Second

	// OnboardingThreshold is the tighter cutoff used before a device may be claimed
	OnboardingThreshold = 30 * time.Second
)

// IsOnline reports whether lastSeen is strictly fresher than threshold at now.
// A device that has never checked in is offline.
func IsOnline(lastSeen *time.Time, now time.Time, threshold time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < threshold
}
