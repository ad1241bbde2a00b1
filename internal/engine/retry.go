package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// defaultMultiplier applies to EXPONENTIAL policies that leave Multiplier unset.
const defaultMultiplier = 2.0

// permanentMessages mark plain errors that a retry cannot fix.
var permanentMessages = []string{"permission denied", "invalid argument"}

// IsRetryableError reports whether a failed node attempt may be retried.
// A node deadline is retryable, cancellation never is, and a FlowError
// decides by its code. Anything else is retried unless its message marks it
// as permanent; the retry policy bounds the attempts.
func IsRetryableError(err error) bool {
	var (
		fe     *schema.FlowError
		netErr net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &fe):
		return fe.IsRetryable()
	case errors.As(err, &netErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	return !slices.ContainsFunc(permanentMessages, func(p string) bool { return strings.Contains(msg, p) })
}

// ComputeBackoff returns the delay before retrying after the given failed
// attempt (1-based).
//
//	FIXED        initial
//	LINEAR       initial × attempt
//	EXPONENTIAL  initial × multiplier^(attempt−1)
//	RANDOM       uniform [0, initial × attempt)
//
// Every strategy is capped by MaxDelay when set.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64)
}

// ComputeBackoffWithRand is ComputeBackoff with an injectable source for the
// RANDOM strategy. rnd must return values in [0, 1).
func ComputeBackoffWithRand(policy *schema.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	if policy == nil {
		return 0
	}
	initial := positiveDuration(policy.InitialDelay)
	if initial == 0 {
		return 0
	}
	n := float64(max(attempt, 1))

	factor := 1.0
	switch policy.Strategy {
	case schema.BackoffLinear:
		factor = n
	case schema.BackoffExponential:
		mult := policy.Multiplier
		if mult < 1 {
			mult = defaultMultiplier
		}
		factor = math.Pow(mult, n-1)
	case schema.BackoffRandom:
		factor = rnd() * n
	}

	delay := float64(initial) * factor
	if limit := positiveDuration(policy.MaxDelay); limit > 0 && delay >= float64(limit) {
		return limit
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// positiveDuration parses s, treating empty, malformed and non-positive
// values as zero.
func positiveDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
