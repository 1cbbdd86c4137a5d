package chain

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
)

// RetryPolicy implements spec §4.G's failure semantics: exponential
// backoff with full jitter, base 500ms, cap 30s, unbounded attempts.
// Adapted from the teacher's pkg/txhelper retry loop, generalized from
// a bounded MaxRetries to the Syncer's unbounded-attempt contract.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Backoff returns the full-jitter delay for the given zero-based
// attempt number.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	exp := p.Base << uint(min(attempt, 20))
	if exp <= 0 || exp > p.Cap {
		exp = p.Cap
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}

// Sleep blocks for the attempt's backoff duration or until ctx is
// cancelled, whichever comes first.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable classifies a source-call error as transient, reusing the
// teacher's txhelper.IsRetryableError string-matching heuristic (no
// structured RPC error taxonomy exists across providers).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "EOF", "timeout",
		"TLS handshake timeout", "no such host", "network is unreachable",
		"429", "502", "503", "504",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{
		"execution reverted", "invalid argument", "method not found",
	} {
		if strings.Contains(msg, s) {
			return false
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		return code == -32000 || code == -32603
	}

	return true
}

// Classify wraps err with SourceTransient or SourceFatal based on
// IsRetryable, for callers that need an errkind-classified error rather
// than a bool.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return errkind.Wrap(errkind.SourceTransient, err)
	}
	return errkind.Wrap(errkind.SourceFatal, err)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
