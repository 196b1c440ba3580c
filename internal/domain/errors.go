package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAuthPending     = errors.New("authorization pending")
	ErrAuthExpired     = errors.New("token expired")
	ErrAgeRestricted   = errors.New("age restricted")
	ErrNoStreamURL     = errors.New("no stream url")
	ErrUpstreamRefresh = errors.New("cannot refresh stream url")
	ErrPoolCrash       = errors.New("worker pool crashed")
	ErrBatchTimeout    = errors.New("batch timeout")
	ErrOversizedFile   = errors.New("file too large")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrInternal        = errors.New("internal error")
)

// StaleExhaustedMessage is stamped on processing rows the reaper fails
// terminally once their retry budget is spent.
const StaleExhaustedMessage = "processing stalled after retry budget exhausted"

// ErrorKind classifies a job error into the retry ladder bucket that decides
// what happens to the track row and the queue.
type ErrorKind int

const (
	// KindTransient covers infra failures (queue or DB unreachable,
	// upstream 5xx). Back off and retry; never consumes retry budget.
	KindTransient ErrorKind = iota
	// KindRecoverable consumes one retry and leaves the row eligible for
	// requeue while under budget.
	KindRecoverable
	// KindPermanent pins retryCount at the budget; the row is terminal.
	KindPermanent
	// KindPoolCrash requeues unfinished jobs without consuming budget and
	// forces a pool rebuild.
	KindPoolCrash
	// KindBatchTimeout marks unfinished jobs as permanent failures.
	KindBatchTimeout
	// KindAuthExpired triggers a single refresh-and-retry on the
	// streaming side.
	KindAuthExpired
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRecoverable:
		return "recoverable"
	case KindPermanent:
		return "permanent"
	case KindPoolCrash:
		return "pool_crash"
	case KindBatchTimeout:
		return "batch_timeout"
	case KindAuthExpired:
		return "auth_expired"
	}
	return "unknown"
}

// poolCrashMarkers are the child-death signatures surfaced by the pool
// executor. Matching any of them invalidates the whole pool.
var poolCrashMarkers = []string{
	"broken process pool",
	"terminated abruptly",
	"process pool was terminated",
	"child exited",
	"signal: killed",
}

// permanentMarkers end a job's retry ladder immediately.
var permanentMarkers = []string{
	"out of memory",
	"file too large",
	"unsupported format",
	"undecodable path",
}

// Classify maps an error to its ErrorKind. Sentinel matches win over message
// markers.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrPoolCrash):
		return KindPoolCrash
	case errors.Is(err, ErrBatchTimeout):
		return KindBatchTimeout
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrOversizedFile):
		return KindPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, m := range poolCrashMarkers {
		if strings.Contains(msg, m) {
			return KindPoolCrash
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return KindPermanent
		}
	}
	return KindRecoverable
}

// TruncateError bounds an error message to the 500-byte column limit,
// backing up to a rune boundary so a multi-byte character is never split.
func TruncateError(msg string) string {
	const max = 500
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
