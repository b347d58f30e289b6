package pipeline

import (
	"math"
	"math/rand"
	"time"

	"github.com/voici5986/grok2api/internal/infrastructure/config"
)

// retryPolicy 重试节奏控制
//
// 429 用去相关抖动 (decorrelated jitter), 其余可重试状态用全抖动,
// 都封顶在 backoff_max, 总时长受 budget 约束。
type retryPolicy struct {
	cfg  config.RetryConfig
	rand *rand.Rand

	started   time.Time
	prevSleep time.Duration
}

func newRetryPolicy(cfg config.RetryConfig, now time.Time) *retryPolicy {
	return &retryPolicy{
		cfg:     cfg,
		rand:    rand.New(rand.NewSource(now.UnixNano())),
		started: now,
	}
}

// retryable reports whether the upstream status allows another attempt.
func (p *retryPolicy) retryable(status int) bool {
	for _, code := range p.cfg.StatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// budgetLeft reports whether the cumulative retry budget still has room.
func (p *retryPolicy) budgetLeft(now time.Time) bool {
	return now.Sub(p.started) < p.cfg.Budget
}

// backoff computes the next sleep for the given attempt (0-based) and
// upstream status.
func (p *retryPolicy) backoff(attempt, status int) time.Duration {
	base := p.cfg.BackoffBase
	capMax := p.cfg.BackoffMax

	var sleep time.Duration
	if status == 429 {
		// Decorrelated jitter: rand(base, prev*3)
		prev := p.prevSleep
		if prev < base {
			prev = base
		}
		span := 3*prev - base
		sleep = base + time.Duration(p.rand.Int63n(int64(span)+1))
	} else {
		// Full jitter over the exponential ceiling
		ceiling := float64(base) * math.Pow(p.cfg.BackoffFactor, float64(attempt))
		if ceiling > float64(capMax) {
			ceiling = float64(capMax)
		}
		sleep = time.Duration(p.rand.Int63n(int64(ceiling) + 1))
	}

	if sleep > capMax {
		sleep = capMax
	}
	p.prevSleep = sleep
	return sleep
}
