package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
)

func TestRetryPolicyBackoffRespectsCap(t *testing.T) {
	p := RetryPolicy{Base: 500 * time.Millisecond, Cap: 30 * time.Second}
	for attempt := 0; attempt < 40; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.Cap)
	}
}

func TestIsRetryableClassifiesKnownMessages(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("502 bad gateway")))
	assert.False(t, IsRetryable(errors.New("execution reverted: insufficient balance")))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyWrapsSourceErrorKind(t *testing.T) {
	transient := Classify(errors.New("timeout"))
	require.Error(t, transient)
	assert.True(t, errors.Is(transient, errkind.SourceTransient))

	fatal := Classify(errors.New("execution reverted"))
	require.Error(t, fatal)
	assert.True(t, errors.Is(fatal, errkind.SourceFatal))
}
