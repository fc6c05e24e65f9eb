package netdb

import (
	"sync"
	"time"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
)

// DefaultFailureThreshold is how many consecutive failures drop a snode.
const DefaultFailureThreshold = 3

// PeerStats tracks request outcomes for one snode.
type PeerStats struct {
	Snode            snode.Snode
	SuccessCount     int
	FailureCount     int
	ConsecutiveFails int
	TotalAttempts    int
	LastSuccess      time.Time
	LastFailure      time.Time
	LastAttempt      time.Time
	AvgResponseTime  time.Duration
}

// PeerTracker keeps per-snode reliability statistics. The path pool and the
// client consult it to decide when a snode should be dropped.
type PeerTracker struct {
	stats map[snode.Snode]*PeerStats
	mu    sync.RWMutex
}

// NewPeerTracker creates an empty tracker.
func NewPeerTracker() *PeerTracker {
	log.WithFields(logger.Fields{
		"at":     "NewPeerTracker",
		"reason": "initialization",
	}).Debug("creating snode failure tracker")

	return &PeerTracker{
		stats: make(map[snode.Snode]*PeerStats),
	}
}

func (pt *PeerTracker) entry(s snode.Snode) *PeerStats {
	stats, exists := pt.stats[s]
	if !exists {
		stats = &PeerStats{Snode: s}
		pt.stats[s] = stats
	}
	return stats
}

// RecordAttempt notes that a request is about to be sent through s.
func (pt *PeerTracker) RecordAttempt(s snode.Snode) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	stats := pt.entry(s)
	stats.LastAttempt = time.Now()
	stats.TotalAttempts++
}

// RecordSuccess records a successful exchange and clears the consecutive
// failure streak.
func (pt *PeerTracker) RecordSuccess(s snode.Snode, responseTime time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	stats := pt.entry(s)
	stats.SuccessCount++
	stats.LastSuccess = time.Now()
	stats.ConsecutiveFails = 0

	if stats.AvgResponseTime == 0 {
		stats.AvgResponseTime = responseTime
	} else {
		stats.AvgResponseTime = (stats.AvgResponseTime + responseTime) / 2
	}
}

// RecordFailure records a failure and returns the consecutive failure count.
func (pt *PeerTracker) RecordFailure(s snode.Snode, reason string) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	stats := pt.entry(s)
	stats.FailureCount++
	stats.LastFailure = time.Now()
	stats.ConsecutiveFails++

	log.WithFields(logger.Fields{
		"at":                "(PeerTracker) RecordFailure",
		"snode":             s.String(),
		"failure_count":     stats.FailureCount,
		"consecutive_fails": stats.ConsecutiveFails,
		"reason":            reason,
	}).Debug("recorded snode failure")

	return stats.ConsecutiveFails
}

// ConsecutiveFailures returns the current failure streak for s.
func (pt *PeerTracker) ConsecutiveFailures(s snode.Snode) int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if stats, ok := pt.stats[s]; ok {
		return stats.ConsecutiveFails
	}
	return 0
}

// Reset forgets the failure streak of s, typically after it was dropped.
func (pt *PeerTracker) Reset(s snode.Snode) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if stats, ok := pt.stats[s]; ok {
		stats.ConsecutiveFails = 0
	}
}

// GetStats returns a copy of the statistics for s, or nil.
func (pt *PeerTracker) GetStats(s snode.Snode) *PeerStats {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if stats, exists := pt.stats[s]; exists {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

// GetSuccessRate returns the success ratio for s, or -1 with no outcomes.
func (pt *PeerTracker) GetSuccessRate(s snode.Snode) float64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	stats, exists := pt.stats[s]
	if !exists {
		return -1.0
	}
	outcomes := stats.SuccessCount + stats.FailureCount
	if outcomes == 0 {
		return -1.0
	}
	return float64(stats.SuccessCount) / float64(outcomes)
}

// IsLikelyStale reports whether s should be avoided when building paths:
// three or more consecutive failures, or under 25% success over at least
// five attempts.
func (pt *PeerTracker) IsLikelyStale(s snode.Snode) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	stats, exists := pt.stats[s]
	if !exists {
		return false
	}
	if stats.ConsecutiveFails >= DefaultFailureThreshold {
		return true
	}
	outcomes := stats.SuccessCount + stats.FailureCount
	if outcomes >= 5 && float64(stats.SuccessCount)/float64(outcomes) < 0.25 {
		return true
	}
	return false
}

// PruneOldEntries drops statistics not touched within maxAge.
func (pt *PeerTracker) PruneOldEntries(maxAge time.Duration) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for s, stats := range pt.stats {
		last := stats.LastAttempt
		if stats.LastFailure.After(last) {
			last = stats.LastFailure
		}
		if stats.LastSuccess.After(last) {
			last = stats.LastSuccess
		}
		if last.Before(cutoff) {
			delete(pt.stats, s)
			pruned++
		}
	}

	if pruned > 0 {
		log.WithFields(logger.Fields{
			"pruned_count": pruned,
			"max_age":      maxAge.String(),
			"remaining":    len(pt.stats),
		}).Info("pruned old snode tracking entries")
	}
	return pruned
}

// Len is the number of tracked snodes.
func (pt *PeerTracker) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.stats)
}
