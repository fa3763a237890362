// Package reveal discloses a reply's text incrementally on a fixed interval.
package reveal

import (
	"context"
	"sync"
	"time"
)

// Renderer runs at most one reveal at a time. Starting a new reveal cancels
// the previous one.
//
// Callbacks run on the renderer's goroutine while its lock is held, so once
// Cancel or Reveal returns no callback from an earlier reveal will run.
// Callbacks must not call back into the Renderer.
type Renderer struct {
	interval time.Duration

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New returns a Renderer advancing one rune per interval. A non-positive
// interval falls back to 20ms.
func New(interval time.Duration) *Renderer {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Renderer{interval: interval}
}

// Reveal starts disclosing fullText. onTick receives each successive prefix,
// one rune longer than the last, ending with fullText itself. onDone runs
// exactly once after the final tick unless the reveal is cancelled first.
// Empty text produces no ticks and an immediate onDone.
func (r *Renderer) Reveal(fullText string, onTick func(partial string), onDone func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	gen := r.gen

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go r.run(ctx, gen, []rune(fullText), onTick, onDone)
}

// Cancel stops the active reveal, if any. onDone is not called for it.
func (r *Renderer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// Active reports whether a reveal is in progress.
func (r *Renderer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Renderer) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	r.gen++
}

func (r *Renderer) run(ctx context.Context, gen uint64, runes []rune, onTick func(string), onDone func()) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for n := 1; n <= len(runes); n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.step(gen, func() {
			if onTick != nil {
				onTick(string(runes[:n]))
			}
		}) {
			return
		}
	}

	r.step(gen, func() {
		r.cancel()
		r.cancel = nil
		if onDone != nil {
			onDone()
		}
	})
}

// step runs fn under the lock if gen is still the live reveal.
func (r *Renderer) step(gen uint64, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return false
	}
	fn()
	return true
}
