package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder is a goroutine-safe emit sink.
type recorder struct {
	mu  sync.Mutex
	out []string
	err error
}

func (r *recorder) emit(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.out = append(r.out, s)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.out...)
}

func TestDripperEmitsOneRunePerTick(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Millisecond, rec.emit)

	d.Append("あbc")
	require.NoError(t, d.Finish(context.Background()))
	require.Equal(t, []string{"あ", "b", "c"}, rec.got())
}

func TestDripperInterleavedAppends(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Millisecond, rec.emit)

	d.Append("ab")
	time.Sleep(5 * time.Millisecond)
	d.Append("cd")
	require.NoError(t, d.Finish(context.Background()))
	require.Equal(t, []string{"a", "b", "c", "d"}, rec.got())
}

func TestDripperFinishOnEmptyBuffer(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Millisecond, rec.emit)
	require.NoError(t, d.Finish(context.Background()))
	require.Empty(t, rec.got())
}

func TestDripperCloseDiscardsBuffer(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Hour, rec.emit)

	d.Append("never emitted")
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return promptly")
	}
	require.Empty(t, rec.got())
}

func TestDripperFinishHonorsContext(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Hour, rec.emit)
	d.Append("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Finish(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDripperEmitErrorStopsAndSurfaces(t *testing.T) {
	boom := errors.New("connection reset")
	rec := &recorder{err: boom}
	d := NewDripper(time.Millisecond, rec.emit)

	d.Append("abc")
	err := d.Finish(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestDripperAppendAfterFinishIsDropped(t *testing.T) {
	rec := &recorder{}
	d := NewDripper(time.Millisecond, rec.emit)

	d.Append("a")
	require.NoError(t, d.Finish(context.Background()))
	d.Append("b")
	require.Equal(t, []string{"a"}, rec.got())
}
