package events

import (
	"sync"
	"time"
)

// AlertGate rate-limits the alert outbound side-channel: a send for a given
// key is skipped when the last send for that key was within minInterval.
type AlertGate struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlertGate returns an empty gate; every key's first Allow succeeds.
func NewAlertGate() *AlertGate {
	return &AlertGate{lastSent: make(map[string]time.Time)}
}

// Key builds the dedupe table key per §5: dedupeKey if non-empty, else
// "{level}:{event}".
func Key(dedupeKey, level, event string) string {
	if dedupeKey != "" {
		return dedupeKey
	}
	return level + ":" + event
}

// Allow reports whether a send for key should proceed at time now, given
// minInterval. On success it records now as the key's last-sent time.
func (g *AlertGate) Allow(key string, minInterval time.Duration, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSent[key]; ok && now.Sub(last) < minInterval {
		return false
	}
	g.lastSent[key] = now
	return true
}

// Reset clears all recorded send times, used on engine restart.
func (g *AlertGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSent = make(map[string]time.Time)
}
