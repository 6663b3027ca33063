// Package gateway wraps remote text-generation backends behind a blocking
// and a streaming call. The Gemini client speaks the REST API directly; the
// OpenAI-compatible and Anthropic clients go through their SDKs. All of them
// honor cancellation, an idle watchdog on streams, and degrade an empty
// stream into chunked delivery of a blocking call's result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultIdleTimeout is how long a stream may stay silent before it is
// actively cancelled rather than left hanging on a stalled connection.
const DefaultIdleTimeout = 15 * time.Second

// fallbackChunkRunes is the pseudo-stream slice size used when a stream
// produced nothing and the blocking result is replayed through onDelta.
const fallbackChunkRunes = 60

// StreamOptions tunes one streaming call.
type StreamOptions struct {
	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration
}

func (o StreamOptions) idle() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return DefaultIdleTimeout
}

// DeltaFunc receives decoded text fragments in arrival order. Returning an
// error aborts the stream.
type DeltaFunc func(delta string) error

// Client is the generative text backend.
type Client interface {
	// Generate performs a single blocking generation call.
	Generate(ctx context.Context, prompt string) (string, error)
	// Stream generates incrementally, forwarding each decoded fragment to
	// onDelta, and returns the accumulated full text. Callers never need to
	// special-case an empty stream: the client falls back to Generate and
	// replays the result in chunks.
	Stream(ctx context.Context, prompt string, onDelta DeltaFunc, opts StreamOptions) (string, error)
}

// UpstreamError reports a non-success response from the backend.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error: status %d: %s", e.Provider, e.Status, e.Body)
}

// ErrEmptyCandidate means the upstream answered but produced no usable
// output, e.g. everything was safety-filtered.
var ErrEmptyCandidate = errors.New("no usable candidate in model response")

// IsQuotaError reports whether err looks like a quota or rate-limit failure.
// Those are downgraded to a soft apology turn by the orchestrator instead of
// failing the conversation.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Status == 429 {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "resource_exhausted") ||
		strings.Contains(s, "quota")
}

// idleWatchdog cancels a derived context when reset is not called for the
// given duration. fired distinguishes an idle cancellation from an external
// one.
type idleWatchdog struct {
	timer *time.Timer
	idle  time.Duration
	trip  atomic.Bool
}

func newIdleWatchdog(parent context.Context, idle time.Duration) (context.Context, *idleWatchdog, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	w := &idleWatchdog{idle: idle}
	w.timer = time.AfterFunc(idle, func() {
		w.trip.Store(true)
		cancel()
	})
	return ctx, w, cancel
}

func (w *idleWatchdog) reset() { w.timer.Reset(w.idle) }
func (w *idleWatchdog) stop()  { w.timer.Stop() }

// fired reports whether the watchdog, not the caller, cancelled the stream.
func (w *idleWatchdog) fired() bool { return w.trip.Load() }

// pseudoStream replays already-generated text through onDelta in fixed-size
// rune chunks so downstream consumers keep their incremental rendering path.
func pseudoStream(text string, onDelta DeltaFunc) error {
	runes := []rune(text)
	for i := 0; i < len(runes); i += fallbackChunkRunes {
		end := i + fallbackChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		if err := onDelta(string(runes[i:end])); err != nil {
			return err
		}
	}
	return nil
}
