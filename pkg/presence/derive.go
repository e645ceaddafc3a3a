// Package presence maintains this client's own published status via a
// heartbeat and a shared cache of other users' presence with
// staleness-based status derivation.
package presence

import (
	"time"

	"flocksync/pkg/models"
)

// Thresholds for deriving effective status from last_seen recency.
type Thresholds struct {
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

// DefaultThresholds matches the tuning the UI was built around.
func DefaultThresholds() Thresholds {
	return Thresholds{AwayAfter: 45 * time.Second, OfflineAfter: 120 * time.Second}
}

// EffectiveStatus derives what to show for a record at the given moment.
// It is a pure function of last_seen recency and must be recomputed on
// every read; a heartbeat that stopped arriving demotes the stored
// status without any further event.
func EffectiveStatus(rec models.PresenceRecord, now time.Time, t Thresholds) string {
	if rec.LastSeen == nil {
		return models.StatusOffline
	}
	delta := now.Sub(*rec.LastSeen)
	if delta > t.OfflineAfter {
		return models.StatusOffline
	}
	if delta > t.AwayAfter && rec.Status == models.StatusOnline {
		return models.StatusAway
	}
	return rec.Status
}
