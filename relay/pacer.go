package relay

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// pacer tracks consecutive failed door calls for one target. While a target is paused its work
// is dropped without calling the door, so attendants stay free for every other target.
type pacer struct {
	mu    sync.Mutex
	b     *backoff.Backoff
	until time.Time
}

func newPacer(maxPause time.Duration) *pacer {
	return &pacer{b: &backoff.Backoff{Min: 10 * time.Millisecond, Max: maxPause, Factor: 2}}
}

// failed records a failed call and returns how long the target is paused for.
func (p *pacer) failed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.b.Duration()
	p.until = time.Now().Add(d)
	return d
}

// succeeded ends any pause and resets the backoff.
func (p *pacer) succeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.b.Reset()
	p.until = time.Time{}
}

// paused reports whether work for the target should be dropped right now.
func (p *pacer) paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return time.Now().Before(p.until)
}
