package netdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerTracker(t *testing.T) {
	pt := NewPeerTracker()
	require.NotNil(t, pt)
	assert.NotNil(t, pt.stats)
	assert.Equal(t, 0, pt.Len())
}

func TestRecordAttempt(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(1)

	pt.RecordAttempt(s)
	stats := pt.GetStats(s)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.False(t, stats.LastAttempt.IsZero())

	pt.RecordAttempt(s)
	stats = pt.GetStats(s)
	assert.Equal(t, 2, stats.TotalAttempts)
}

func TestRecordFailureReturnsStreak(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(3)

	assert.Equal(t, 1, pt.RecordFailure(s, "timeout"))
	assert.Equal(t, 2, pt.RecordFailure(s, "timeout"))
	assert.Equal(t, DefaultFailureThreshold, pt.RecordFailure(s, "502"))
	assert.Equal(t, 3, pt.ConsecutiveFailures(s))

	stats := pt.GetStats(s)
	assert.Equal(t, 3, stats.FailureCount)
	assert.False(t, stats.LastFailure.IsZero())

	// success resets the streak, not the totals
	pt.RecordSuccess(s, 50*time.Millisecond)
	assert.Equal(t, 0, pt.ConsecutiveFailures(s))
	assert.Equal(t, 3, pt.GetStats(s).FailureCount)
}

func TestReset(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(4)
	pt.RecordFailure(s, "timeout")
	pt.RecordFailure(s, "timeout")

	pt.Reset(s)
	assert.Equal(t, 0, pt.ConsecutiveFailures(s))
	assert.Equal(t, 0, pt.ConsecutiveFailures(testSnode(5)))
	pt.Reset(testSnode(5))
}

func TestGetSuccessRate(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(5)

	assert.Equal(t, -1.0, pt.GetSuccessRate(s))

	pt.RecordSuccess(s, 50*time.Millisecond)
	pt.RecordSuccess(s, 60*time.Millisecond)
	pt.RecordSuccess(s, 70*time.Millisecond)
	pt.RecordFailure(s, "timeout")

	assert.InDelta(t, 0.75, pt.GetSuccessRate(s), 0.01)
}

func TestIsLikelyStale_ConsecutiveFailures(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(6)

	pt.RecordFailure(s, "timeout")
	pt.RecordFailure(s, "timeout")
	assert.False(t, pt.IsLikelyStale(s))

	pt.RecordFailure(s, "timeout")
	assert.True(t, pt.IsLikelyStale(s))
}

func TestIsLikelyStale_LowSuccessRate(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(7)

	pt.RecordSuccess(s, 100*time.Millisecond)
	for i := 0; i < 4; i++ {
		pt.RecordFailure(s, "connection refused")
		if i == 1 {
			pt.Reset(s)
		}
	}

	// 1 of 5, and only two failures in a row
	assert.Equal(t, 2, pt.ConsecutiveFailures(s))
	assert.True(t, pt.IsLikelyStale(s))
	assert.False(t, pt.IsLikelyStale(testSnode(8)))
}

func TestPruneOldEntries(t *testing.T) {
	pt := NewPeerTracker()
	recent := testSnode(20)
	old := testSnode(21)

	pt.RecordAttempt(recent)
	pt.RecordAttempt(old)
	pt.mu.Lock()
	pt.stats[old].LastAttempt = time.Now().Add(-25 * time.Hour)
	pt.mu.Unlock()

	assert.Equal(t, 1, pt.PruneOldEntries(24*time.Hour))
	assert.NotNil(t, pt.GetStats(recent))
	assert.Nil(t, pt.GetStats(old))
}

func TestAvgResponseTime(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(40)

	pt.RecordSuccess(s, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, pt.GetStats(s).AvgResponseTime)

	pt.RecordSuccess(s, 200*time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, pt.GetStats(s).AvgResponseTime)
}

func TestGetStatsReturnsCopy(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(41)
	assert.Nil(t, pt.GetStats(s))

	pt.RecordFailure(s, "timeout")
	stats := pt.GetStats(s)
	stats.ConsecutiveFails = 100
	assert.Equal(t, 1, pt.ConsecutiveFailures(s))
}

func TestConcurrentAccess(t *testing.T) {
	pt := NewPeerTracker()
	s := testSnode(50)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			pt.RecordAttempt(s)
			pt.RecordSuccess(s, 100*time.Millisecond)
			pt.GetStats(s)
			pt.IsLikelyStale(s)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	stats := pt.GetStats(s)
	require.NotNil(t, stats)
	assert.Equal(t, 10, stats.TotalAttempts)
}
