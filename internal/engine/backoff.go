package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/droverhq/drover/internal/config"
)

// defaultBackoff returns the retry delay shape used when on_fail.retry
// declares no backoff block: 200ms initial, factor 2, capped at 60s.
// Jitter stays off for determinism unless the config turns it on.
func defaultBackoff() config.BackoffConfig {
	return config.BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
	}
}

// normalizeBackoff fills zero fields of a declared backoff block with the
// defaults and clamps nonsense values.
func normalizeBackoff(b *config.BackoffConfig) config.BackoffConfig {
	cfg := defaultBackoff()
	if b == nil {
		return cfg
	}
	if b.InitialDelayMS > 0 {
		cfg.InitialDelayMS = b.InitialDelayMS
	}
	if b.BackoffFactor >= 1 {
		cfg.BackoffFactor = b.BackoffFactor
	}
	if b.MaxDelayMS > 0 {
		cfg.MaxDelayMS = b.MaxDelayMS
	}
	if b.Jitter != nil {
		cfg.Jitter = b.Jitter
	}
	return cfg
}

// DelayForAttempt computes the delay before retry number attempt
// (1-indexed): initial * factor^(attempt-1), capped, then jittered.
// Jitter multiplies by a deterministic factor in [0.5, 1.5) derived from
// the seed, so the same run replays the same delays.
func DelayForAttempt(attempt int, cfg config.BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter != nil && *cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// retrySeed derives the jitter seed for one retry attempt.
func retrySeed(sessionID, checkID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, checkID, attempt)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// sleepContext waits for the delay or the context, whichever ends first.
// Returns false when the context was cancelled.
func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
