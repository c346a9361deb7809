package ad8x

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DownThreshold is the number of consecutive failed poll cycles after which
// the down signal is raised.
const DownThreshold = 3

// Backoff produces capped exponential retry delays: base, 2*base, ... max.
// The zero value is not usable; use NewBackoff.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) Backoff {
	if max < base {
		max = base
	}
	return Backoff{base: base, max: max, current: base}
}

// Next returns the current delay and doubles it for the following call.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max || b.current <= 0 {
		b.current = b.max
	}
	return d
}

// Reset returns the delay to base.
func (b *Backoff) Reset() {
	b.current = b.base
}

// Current returns the delay the next failure will wait.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// linkHealth is the failure-detection state machine for one amplifier.
// It has its own lock so status readers never wait on the device lock.
type linkHealth struct {
	mu            sync.Mutex
	threshold     int
	failures      int
	downPublished bool
	backoff       Backoff
}

func newLinkHealth(threshold int, backoff Backoff) *linkHealth {
	return &linkHealth{threshold: threshold, backoff: backoff}
}

// failure records a failed cycle. tripped is true exactly once per outage,
// when the counter first reaches the threshold. wait is the delay before the
// next cycle.
func (h *linkHealth) failure() (failures int, tripped bool, wait time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	if h.failures >= h.threshold && !h.downPublished {
		h.downPublished = true
		tripped = true
	}
	return h.failures, tripped, h.backoff.Next()
}

// success records a good cycle and reports whether it ended an outage that
// had been signalled down.
func (h *linkHealth) success() (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recovered = h.downPublished
	h.failures = 0
	h.downPublished = false
	h.backoff.Reset()
	return recovered
}

func (h *linkHealth) state() (failures int, down bool, backoff time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures, h.downPublished, h.backoff.Current()
}

// zoneReading is one zone's status and tone from a poll cycle.
type zoneReading struct {
	status StatusReport
	tone   ToneReport
}

// run is the poll loop. It exits when ctx is cancelled.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	s.logInfo("poll loop started", "address", s.link.Address(), "interval", s.timing.PollInterval)
	defer s.logInfo("poll loop stopped")

	for {
		wait, err := s.pollCycle(ctx)
		if err != nil {
			s.logDebug("poll cycle failed", "error", err, "next_attempt_in", wait)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// pollCycle runs one cycle under the device lock and updates link health.
// Returns the delay before the next cycle.
func (s *Session) pollCycle(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s.timing.PollInterval, ErrStopped
	}

	err := s.pollOnce(ctx)
	if ctx.Err() != nil {
		// Shutting down; not an outage.
		return s.timing.PollInterval, context.Canceled
	}
	if err != nil {
		s.link.Close()
		failures, tripped, wait := s.health.failure()
		s.logWarn("poll failed", "consecutive_failures", failures, "error", err)
		if tripped {
			s.logError("amplifier down", "consecutive_failures", failures)
			s.sink.networkStatus(NetworkDown, failures)
		}
		return wait, err
	}

	s.sink.refreshOnline()
	if s.health.success() {
		s.logInfo("amplifier recovered")
		s.sink.networkStatus(NetworkUp, 0)
	}
	return s.timing.PollInterval, nil
}

// pollOnce reads every zone. Results are applied and published only after
// all eight zones answered; the first bad zone aborts the cycle.
// Caller must hold s.mu.
func (s *Session) pollOnce(ctx context.Context) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}

	var readings [NumZones]zoneReading
	for zone := 1; zone <= NumZones; zone++ {
		st, tone, err := s.queryZone(ctx, zone)
		if err != nil {
			return fmt.Errorf("zone %d: %w", zone, err)
		}
		readings[zone-1] = zoneReading{status: st, tone: tone}

		if zone < NumZones && !sleepCtx(ctx, s.timing.InterCommandDelay) {
			return context.Canceled
		}
	}

	now := time.Now()
	for i, r := range readings {
		s.publishConfirmed(i+1, r.status, r.tone, now)
	}
	return nil
}

// queryZone sends the status and tone queries for one zone and parses both.
// Caller must hold s.mu.
func (s *Session) queryZone(ctx context.Context, zone int) (StatusReport, ToneReport, error) {
	if err := s.link.Send(StatusQuery(zone)); err != nil {
		return StatusReport{}, ToneReport{}, err
	}
	statusLine := s.link.ReadReply(statusReplyPrefix(zone), s.timing.CommandTimeout)

	if !sleepCtx(ctx, s.timing.InterCommandDelay) {
		return StatusReport{}, ToneReport{}, context.Canceled
	}

	if err := s.link.Send(ToneQuery(zone)); err != nil {
		return StatusReport{}, ToneReport{}, err
	}
	toneLine := s.link.ReadReply(toneReplyPrefix(zone), s.timing.CommandTimeout)

	if err := s.link.Err(); err != nil && (statusLine == "" || toneLine == "") {
		return StatusReport{}, ToneReport{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	st, ok := ParseStatus(statusLine)
	if !ok || st.Zone != zone {
		return StatusReport{}, ToneReport{}, fmt.Errorf("%w: status %q", ErrProtocolParse, statusLine)
	}
	tone, ok := ParseTone(toneLine)
	if !ok || tone.Zone != zone {
		return StatusReport{}, ToneReport{}, fmt.Errorf("%w: tone %q", ErrProtocolParse, toneLine)
	}
	return st, tone, nil
}

// publishConfirmed stores confirmed values and publishes them, applying the
// volume echo-suppression rule.
func (s *Session) publishConfirmed(zone int, st StatusReport, tone ToneReport, now time.Time) {
	z := s.zones.apply(st, tone)
	withVolume := s.zones.shouldPublishVolume(zone, z.Volume, now)
	s.sink.zone(zone, z, withVolume)
}
