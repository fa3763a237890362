package reveal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	ticks []string
	dones int
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 4)}
}

func (r *recorder) tick(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, s)
}

func (r *recorder) finish() {
	r.mu.Lock()
	r.dones++
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ticks...), r.dones
}

func TestReveal_TicksEachPrefix(t *testing.T) {
	r := New(time.Millisecond)
	rec := newRecorder()

	r.Reveal("hello", rec.tick, rec.finish)

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reveal did not finish")
	}

	// Give a stray extra onDone a chance to show up.
	time.Sleep(10 * time.Millisecond)
	ticks, dones := rec.snapshot()
	assert.Equal(t, []string{"h", "he", "hel", "hell", "hello"}, ticks)
	assert.Equal(t, 1, dones)
	assert.False(t, r.Active())
}

func TestReveal_MultibyteRunes(t *testing.T) {
	r := New(time.Millisecond)
	rec := newRecorder()

	r.Reveal("héé", rec.tick, rec.finish)
	<-rec.done

	ticks, _ := rec.snapshot()
	assert.Equal(t, []string{"h", "hé", "héé"}, ticks)
}

func TestReveal_EmptyText(t *testing.T) {
	r := New(time.Millisecond)
	rec := newRecorder()

	r.Reveal("", rec.tick, rec.finish)

	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatal("onDone not called for empty text")
	}
	ticks, dones := rec.snapshot()
	assert.Empty(t, ticks)
	assert.Equal(t, 1, dones)
}

func TestReveal_CancelStopsCallbacks(t *testing.T) {
	r := New(5 * time.Millisecond)
	rec := newRecorder()

	r.Reveal("a long reply that takes a while", rec.tick, rec.finish)
	time.Sleep(12 * time.Millisecond)
	r.Cancel()

	ticks, _ := rec.snapshot()
	time.Sleep(30 * time.Millisecond)
	after, dones := rec.snapshot()

	assert.Equal(t, ticks, after, "no ticks after Cancel returns")
	assert.Zero(t, dones)
	assert.False(t, r.Active())
}

func TestReveal_NewRevealSupersedes(t *testing.T) {
	r := New(5 * time.Millisecond)
	first := newRecorder()
	second := newRecorder()

	r.Reveal("first reply which is long", first.tick, first.finish)
	time.Sleep(8 * time.Millisecond)
	r.Reveal("ok", second.tick, second.finish)
	firstTicks, _ := first.snapshot()

	select {
	case <-second.done:
	case <-time.After(time.Second):
		t.Fatal("second reveal did not finish")
	}

	after, firstDones := first.snapshot()
	assert.Equal(t, firstTicks, after)
	assert.Zero(t, firstDones)

	ticks, dones := second.snapshot()
	require.Equal(t, []string{"o", "ok"}, ticks)
	assert.Equal(t, 1, dones)
}

func TestReveal_PrefixesNeverExceedText(t *testing.T) {
	r := New(time.Millisecond)
	rec := newRecorder()
	text := "bounded"

	r.Reveal(text, rec.tick, rec.finish)
	<-rec.done

	ticks, _ := rec.snapshot()
	for i, tick := range ticks {
		assert.LessOrEqual(t, len(tick), len(text))
		assert.Equal(t, text[:i+1], tick)
	}
}
