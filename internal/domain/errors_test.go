package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/vibetune/audiosidecar/internal/domain"
)

func TestClassify_Sentinels(t *testing.T) {
	assert.Equal(t, domain.KindPoolCrash, domain.Classify(domain.ErrPoolCrash))
	assert.Equal(t, domain.KindBatchTimeout, domain.Classify(domain.ErrBatchTimeout))
	assert.Equal(t, domain.KindAuthExpired, domain.Classify(domain.ErrAuthExpired))
	assert.Equal(t, domain.KindPermanent, domain.Classify(domain.ErrOversizedFile))
}

func TestClassify_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("op=pool.dispatch: %w", domain.ErrPoolCrash)
	assert.Equal(t, domain.KindPoolCrash, domain.Classify(err))
}

func TestClassify_MessageMarkers(t *testing.T) {
	cases := map[string]domain.ErrorKind{
		"A process in the Broken Process Pool died": domain.KindPoolCrash,
		"worker terminated abruptly":                domain.KindPoolCrash,
		"scorer: signal: killed":                    domain.KindPoolCrash,
		"decode: out of memory":                     domain.KindPermanent,
		"unsupported format: .xyz":                  domain.KindPermanent,
		"Audio too short: 2.0s (minimum 5s)":        domain.KindRecoverable,
		"connection refused":                        domain.KindRecoverable,
	}
	for msg, want := range cases {
		assert.Equal(t, want, domain.Classify(errors.New(msg)), msg)
	}
}

func TestClassify_KindString(t *testing.T) {
	assert.Equal(t, "pool_crash", domain.KindPoolCrash.String())
	assert.Equal(t, "batch_timeout", domain.KindBatchTimeout.String())
	assert.Equal(t, "recoverable", domain.KindRecoverable.String())
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 900)
	assert.Len(t, domain.TruncateError(long), 500)
	assert.Equal(t, "short", domain.TruncateError("short"))
}

func TestTruncateError_NeverSplitsRune(t *testing.T) {
	// 499 ASCII bytes, then a 3-byte rune straddling the 500-byte cut.
	msg := strings.Repeat("x", 499) + strings.Repeat("日", 40)
	got := domain.TruncateError(msg)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 499)
}
