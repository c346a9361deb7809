package ad8x

import (
	"sync"
	"time"
)

// control identifies a continuous setting whose absolute sets are coalesced.
type control int

const (
	controlVolume control = iota
	controlBass
	controlTreble
	numControls
)

func (c control) String() string {
	switch c {
	case controlVolume:
		return "volume"
	case controlBass:
		return "bass"
	case controlTreble:
		return "treble"
	default:
		return "unknown"
	}
}

// pendingSet is the latest requested target for one zone control.
type pendingSet struct {
	target int
	gen    uint64
	timer  *time.Timer
	active bool
}

// coalescer debounces absolute sets: every request replaces the target and
// restarts the timer, so a burst collapses into one wire transaction.
//
// The fire callback runs on the timer goroutine. It must take the device
// lock and then call take with the generation it was scheduled with; a
// superseded or cancelled generation yields nothing.
type coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	pending [NumZones][numControls]pendingSet
	nextGen uint64
	stopped bool
	fire    func(zone int, ctl control, gen uint64)
}

func newCoalescer(window time.Duration, fire func(zone int, ctl control, gen uint64)) *coalescer {
	return &coalescer{
		window: window,
		fire:   fire,
	}
}

// schedule records target for the zone control and (re)starts its timer.
// Returns false once the coalescer has been stopped.
func (c *coalescer) schedule(zone int, ctl control, target int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}

	p := &c.pending[zone-1][ctl]
	if p.timer != nil {
		p.timer.Stop()
	}

	c.nextGen++
	gen := c.nextGen
	p.target = target
	p.gen = gen
	p.active = true
	p.timer = time.AfterFunc(c.window, func() {
		c.fire(zone, ctl, gen)
	})
	return true
}

// take claims the pending target if gen is still the current generation.
func (c *coalescer) take(zone int, ctl control, gen uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0, false
	}
	p := &c.pending[zone-1][ctl]
	if !p.active || p.gen != gen {
		return 0, false
	}
	p.active = false
	p.timer = nil
	return p.target, true
}

// cancel drops any pending target for the zone control.
func (c *coalescer) cancel(zone int, ctl control) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &c.pending[zone-1][ctl]
	if p.timer != nil {
		p.timer.Stop()
	}
	p.active = false
	p.timer = nil
}

// pendingTarget returns the not-yet-flushed target, if any.
func (c *coalescer) pendingTarget(zone int, ctl control) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[zone-1][ctl]
	return p.target, p.active
}

// stop cancels every timer. Callbacks already waiting on the device lock
// find nothing to take.
func (c *coalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for z := range c.pending {
		for k := range c.pending[z] {
			p := &c.pending[z][k]
			if p.timer != nil {
				p.timer.Stop()
			}
			p.active = false
			p.timer = nil
		}
	}
}
