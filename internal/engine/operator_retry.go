package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// MaxBackoff is the hard ceiling on any computed retry delay.
const MaxBackoff = 60 * time.Second

// ComputeBackoff calculates the delay before retry number attempt (1-based).
// Strategies: constant, linear, exponential, exponential_jitter. The result
// is clamped to [0, MaxBackoff]; jitter is drawn from crypto/rand so delays
// are not predictable across replicas.
func ComputeBackoff(strategy string, base time.Duration, attempt int) time.Duration {
	if base < 0 {
		base = 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch strategy {
	case "linear":
		delay = base * time.Duration(attempt)
	case "exponential", "exponential_jitter":
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= MaxBackoff {
				delay = MaxBackoff
				break
			}
		}
	default: // "constant" or empty
		delay = base
	}

	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	if strategy == "exponential_jitter" && delay > 0 {
		// Up to 25% added, still under the ceiling.
		delay += secureJitter(delay / 4)
		if delay > MaxBackoff {
			delay = MaxBackoff
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// secureJitter returns a uniform duration in [0, max).
func secureJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// waitBackoff sleeps for the delay or returns early when the context ends.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryOp retries a failed primitive with a backoff delay until its attempt
// budget is spent. maxAttempts counts total attempts (effective retries =
// maxAttempts-1); maxRetries counts retries directly (default 3).
type retryOp struct{ baseOp }

func (o *retryOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, res *schema.PrimitiveResult) schema.Action {
	if !res.Failed() {
		oc.Runtime.Attempts = 0
		return schema.Continue()
	}

	maxRetries := int(oc.Operator.ParamNumber("maxRetries", 3))
	if ma := int(oc.Operator.ParamNumber("maxAttempts", 0)); ma > 0 {
		maxRetries = ma - 1
	}

	oc.Runtime.Attempts++
	if oc.Runtime.Attempts > maxRetries {
		return schema.Terminate(fmt.Sprintf("retry %s exhausted after %d retries", oc.Operator.ID, maxRetries))
	}

	base := time.Duration(oc.Operator.ParamNumber("delayMs", 1000)) * time.Millisecond
	strategy := oc.Operator.ParamString("backoff", oc.Operator.ParamString("strategy", "exponential"))
	return schema.Retry(ComputeBackoff(strategy, base, oc.Runtime.Attempts))
}

// breakerState follows the classic closed → open → half-open cycle.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreakerOp opens after failureThreshold consecutive failures (or any
// failure while half-open) and skips bound primitives until resetTimeoutMs
// elapses, then lets one probe through.
type circuitBreakerOp struct {
	baseOp
	state    breakerState
	failures int
	openedAt time.Time
}

func newCircuitBreakerOp() *circuitBreakerOp {
	return &circuitBreakerOp{state: breakerClosed}
}

func (o *circuitBreakerOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	if o.state != breakerOpen {
		return schema.Continue()
	}
	reset := time.Duration(oc.Operator.ParamNumber("resetTimeoutMs", 60000)) * time.Millisecond
	if time.Since(o.openedAt) >= reset {
		o.state = breakerHalfOpen
		return schema.Continue()
	}
	return schema.Skip(fmt.Sprintf("circuit %s is open", oc.Operator.ID))
}

func (o *circuitBreakerOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, res *schema.PrimitiveResult) schema.Action {
	threshold := int(oc.Operator.ParamNumber("failureThreshold", 5))
	if res.Failed() {
		o.failures++
		if o.state == breakerHalfOpen || o.failures >= threshold {
			o.state = breakerOpen
			o.openedAt = time.Now()
		}
		return schema.Continue()
	}
	// Success closes a probing breaker and clears the streak.
	o.state = breakerClosed
	o.failures = 0
	return schema.Continue()
}

// throttleOp bounds call rate with a sliding window: at most maxRate starts
// per rateWindowMs. Over-rate calls are retried after the remaining window.
type throttleOp struct {
	baseOp
	starts []time.Time
}

func (o *throttleOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	window := time.Duration(oc.Operator.ParamNumber("rateWindowMs", 1000)) * time.Millisecond
	maxRate := int(oc.Operator.ParamNumber("maxRate", 10))

	now := time.Now()
	cutoff := now.Add(-window)
	kept := o.starts[:0]
	for _, t := range o.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.starts = kept

	if len(o.starts) >= maxRate {
		remaining := window - now.Sub(o.starts[0])
		if remaining < 0 {
			remaining = 0
		}
		return schema.Retry(remaining)
	}
	o.starts = append(o.starts, now)
	return schema.Continue()
}
