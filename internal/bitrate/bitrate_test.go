package bitrate

import (
	"testing"
	"time"
)

func TestDeriveBufferConfigTiers(t *testing.T) {
	cases := []struct {
		size int64
		tier QualityTier
	}{
		{1 << 30, Tier720p},
		{6 * gb, Tier1080p},
		{16 * gb, Tier1080pHigh},
		{31 * gb, Tier4K},
	}
	for _, c := range cases {
		got := DeriveBufferConfig(c.size)
		if got.Tier != c.tier {
			t.Errorf("DeriveBufferConfig(%d) tier = %v, want %v", c.size, got.Tier, c.tier)
		}
	}
}

func TestEstimatorSeedsFromFileSize(t *testing.T) {
	cfg := BufferConfig{EstimatedDurSec: 1000}
	e := NewEstimator(10_000_000_000, cfg)
	if bps := e.BytesPerSecond(); bps != 10_000_000 {
		t.Fatalf("BytesPerSecond = %d, want 10000000", bps)
	}
}

func TestObserveRangeRequestSmoothsTowardInstantRate(t *testing.T) {
	e := NewEstimator(1_000_000_000, BufferConfig{EstimatedDurSec: 1000})
	start := time.Now()
	e.ObserveRangeRequest(0, start)
	// 2,000,000 bytes in 1s => instantaneous 2 MB/s, far above the 1MB/s seed.
	e.ObserveRangeRequest(2_000_000, start.Add(1*time.Second))

	got := e.BytesPerSecond()
	if got <= 1_000_000 || got >= 2_000_000 {
		t.Fatalf("BytesPerSecond after observation = %d, want strictly between seed and instant rate", got)
	}
}

func TestObserveRangeRequestIgnoresStaleGap(t *testing.T) {
	e := NewEstimator(1_000_000_000, BufferConfig{EstimatedDurSec: 1000})
	seed := e.BytesPerSecond()
	start := time.Now()
	e.ObserveRangeRequest(0, start)
	// 10s later is outside the 5s window; should not move the estimate.
	e.ObserveRangeRequest(50_000_000, start.Add(10*time.Second))
	if got := e.BytesPerSecond(); got != seed {
		t.Fatalf("BytesPerSecond = %d, want unchanged seed %d", got, seed)
	}
}

func TestApplyProbedDurationUpdatesConfig(t *testing.T) {
	e := NewEstimator(1_000_000_000, BufferConfig{EstimatedDurSec: 1000})
	e.ApplyProbedDuration(500 * time.Second)
	if got := e.Config().EstimatedDurSec; got != 500 {
		t.Fatalf("EstimatedDurSec = %v, want 500", got)
	}
}
