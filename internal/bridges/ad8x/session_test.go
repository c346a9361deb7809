package ad8x

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTopics = Topics{Base: DefaultBaseTopic}

// =============================================================================
// Polling
// =============================================================================

func TestSessionPollPublishesZones(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(3, fakeZone{power: true, source: 2, volume: 45, bass: -4, treble: 6})
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)

	_, err := s.pollCycle(context.Background())
	require.NoError(t, err)

	field := func(f string) string {
		v, ok := pub.last(testTopics.ZoneField("amp1", 3, f))
		require.True(t, ok, "no publication for %s", f)
		return v
	}
	assert.Equal(t, "on", field(FieldPower))
	assert.Equal(t, "off", field(FieldMute))
	assert.Equal(t, "2", field(FieldSource))
	assert.Equal(t, "45", field(FieldVolume))
	assert.Equal(t, "-4", field(FieldBass))
	assert.Equal(t, "6", field(FieldTreble))

	blob, ok := pub.last(testTopics.Zone("amp1", 3))
	require.True(t, ok)
	assert.JSONEq(t,
		`{"zone":3,"name":"Zone 3","known":true,"power":true,"mute":false,"source":2,"volume":45,"bass":-4,"treble":6}`,
		blob)

	// Once from the connect, once from the completed cycle.
	assert.Equal(t, 2, pub.count(testTopics.Availability("amp1"), PayloadOnline))

	snap, err := s.Zone(3)
	require.NoError(t, err)
	assert.True(t, snap.Known)
	assert.Equal(t, 45, snap.Volume)
	assert.Len(t, s.Zones(), NumZones)
}

func TestSessionPollAbortsOnFirstBadZone(t *testing.T) {
	amp := newFakeAmp()
	amp.setSilent(true)
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)

	_, err := s.pollCycle(context.Background())
	require.ErrorIs(t, err, ErrProtocolParse)

	// Only zone 1 was queried; nothing was published for any zone.
	for _, c := range amp.received() {
		assert.Contains(t, c, "*ZN01")
	}
	_, ok := pub.last(testTopics.Zone("amp1", 1))
	assert.False(t, ok)
	assert.False(t, s.LinkState().Connected)
}

func TestSessionPollSkipsPlaceholders(t *testing.T) {
	amp := newFakeAmp()
	amp.setPlaceholder(true)
	s := newTestSession(t, "amp1", amp, &recordingPublisher{})

	_, err := s.pollCycle(context.Background())
	require.NoError(t, err)

	snap, err := s.Zone(8)
	require.NoError(t, err)
	assert.True(t, snap.Known)
}

// =============================================================================
// Failure detection
// =============================================================================

func TestSessionFailureThreshold(t *testing.T) {
	amp := newFakeAmp()
	amp.setRefuse(true)
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)
	ctx := context.Background()
	downTopic := testTopics.NetworkStatus("amp1")

	for i := 1; i <= 2; i++ {
		_, err := s.pollCycle(ctx)
		require.ErrorIs(t, err, ErrConnect)
	}
	assert.Equal(t, 0, pub.count(downTopic, NetworkDown), "down before threshold")

	_, err := s.pollCycle(ctx)
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 1, pub.count(downTopic, NetworkDown))
	assert.True(t, s.LinkState().Down)

	_, err = s.pollCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, pub.count(downTopic, NetworkDown), "down re-fired during the same outage")
	assert.Equal(t, 4, s.LinkState().ConsecutiveFailures)

	amp.setRefuse(false)
	_, err = s.pollCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(downTopic, NetworkUp))
	assert.False(t, s.LinkState().Down)
	assert.Equal(t, 0, s.LinkState().ConsecutiveFailures)

	_, err = s.pollCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(downTopic, NetworkUp), "recovery re-fired without an outage")

	// A new outage signals again.
	amp.setRefuse(true)
	amp.closeAll()
	for i := 0; i < DownThreshold; i++ {
		_, _ = s.pollCycle(ctx)
	}
	assert.Equal(t, 2, pub.count(downTopic, NetworkDown))
}

func TestSessionPollBackoffSchedule(t *testing.T) {
	amp := newFakeAmp()
	amp.setRefuse(true)
	s := newTestSession(t, "amp1", amp, nil)
	ctx := context.Background()

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		wait, err := s.pollCycle(ctx)
		require.Error(t, err)
		assert.Equal(t, w*time.Second, wait, "failure %d", i+1)
	}

	amp.setRefuse(false)
	wait, err := s.pollCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, wait, "success waits the poll interval")

	amp.setRefuse(true)
	amp.closeAll()
	wait, err = s.pollCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, time.Second, wait, "success resets the backoff")
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

// =============================================================================
// Coalescing
// =============================================================================

func TestSessionCoalescesVolume(t *testing.T) {
	amp := newFakeAmp()
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)

	require.NoError(t, s.SetVolume(1, 60))
	require.NoError(t, s.SetVolume(1, 40))
	require.NoError(t, s.SetVolume(1, 80))

	waitFor(t, time.Second, func() bool { return len(amp.sets()) > 0 })
	time.Sleep(3 * testTiming().CoalesceWindow)

	assert.Equal(t, []string{"*ZN01VOL75"}, amp.sets())

	snap, err := s.Zone(1)
	require.NoError(t, err)
	assert.True(t, snap.Power, "absolute volume powers the zone on")
	assert.Equal(t, 75, snap.Volume)
}

func TestSessionCoalescesTone(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(1, fakeZone{power: true, source: 1, volume: 30})
	s := newTestSession(t, "amp1", amp, nil)
	_, err := s.pollCycle(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.SetBass(1, 2))
	require.NoError(t, s.SetBass(1, -7))
	require.NoError(t, s.SetTreble(1, 5))

	waitFor(t, time.Second, func() bool { return len(amp.sets()) == 2 })
	assert.ElementsMatch(t, []string{"*ZN01BAS26", "*ZN01TRB04"}, amp.sets())
	assert.Equal(t, -6, amp.zone(1).bass)
	assert.Equal(t, 4, amp.zone(1).treble)
}

func TestSessionToneFlushDroppedWhenZoneTurnsOff(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(1, fakeZone{power: true, source: 1, volume: 30})
	s := newTestSession(t, "amp1", amp, nil)
	ctx := context.Background()
	_, err := s.pollCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetBass(1, 6))
	require.NoError(t, s.PowerOff(ctx, 1))

	time.Sleep(3 * testTiming().CoalesceWindow)
	assert.Equal(t, []string{"*ZN01PWR00"}, amp.sets())
}

func TestSessionVolumeEchoSuppression(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(1, fakeZone{power: true, source: 1, volume: 30})
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)
	ctx := context.Background()
	volTopic := testTopics.ZoneField("amp1", 1, FieldVolume)

	_, err := s.pollCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pub.count(volTopic, "30"))

	require.NoError(t, s.SetVolume(1, 50))
	waitFor(t, time.Second, func() bool { return len(amp.sets()) == 1 })

	// Published once optimistically; the confirmed echo is suppressed.
	waitFor(t, time.Second, func() bool {
		snap, _ := s.Zone(1)
		return snap.Volume == 50
	})
	assert.Equal(t, 1, pub.count(volTopic, "50"))

	// An unchanged poll after the window does not republish.
	time.Sleep(testTiming().EchoSuppress + 50*time.Millisecond)
	_, err = s.pollCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(volTopic, "50"))

	// A change made at the keypad is published.
	amp.setZone(1, fakeZone{power: true, source: 1, volume: 55})
	_, err = s.pollCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(volTopic, "55"))
}

func TestSessionStopCancelsPendingSets(t *testing.T) {
	amp := newFakeAmp()
	s := newTestSession(t, "amp1", amp, nil)

	require.NoError(t, s.SetVolume(1, 50))
	s.Stop()

	time.Sleep(3 * testTiming().CoalesceWindow)
	assert.Empty(t, amp.sets())
	assert.ErrorIs(t, s.SetVolume(1, 10), ErrStopped)
	assert.ErrorIs(t, s.SetMute(context.Background(), 1, true), ErrStopped)
}

// =============================================================================
// Power policy
// =============================================================================

func TestSessionPowerGating(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(s *Session) error
	}{
		{"set bass", func(s *Session) error { return s.SetBass(1, 4) }},
		{"set treble", func(s *Session) error { return s.SetTreble(1, 4) }},
		{"source", func(s *Session) error { return s.SetSource(ctx, 1, 3) }},
		{"toggle mute", func(s *Session) error { return s.ToggleMute(ctx, 1) }},
		{"volume up", func(s *Session) error { return s.VolumeUp(ctx, 1) }},
		{"volume down", func(s *Session) error { return s.VolumeDown(ctx, 1) }},
		{"bass up", func(s *Session) error { return s.BassUp(ctx, 1) }},
		{"bass down", func(s *Session) error { return s.BassDown(ctx, 1) }},
		{"treble up", func(s *Session) error { return s.TrebleUp(ctx, 1) }},
		{"treble down", func(s *Session) error { return s.TrebleDown(ctx, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amp := newFakeAmp()
			s := newTestSession(t, "amp1", amp, nil)

			err := tt.call(s)
			require.ErrorIs(t, err, ErrPolicyRejected)

			time.Sleep(2 * testTiming().CoalesceWindow)
			assert.Equal(t, 0, amp.dialCount(), "rejected command touched the wire")
		})
	}
}

func TestSessionVolumeAllowedWhileOff(t *testing.T) {
	amp := newFakeAmp()
	s := newTestSession(t, "amp1", amp, nil)

	require.NoError(t, s.SetVolume(4, 25))
	waitFor(t, time.Second, func() bool {
		snap, _ := s.Zone(4)
		return snap.Power
	})
	assert.Equal(t, []string{"*ZN04VOL25"}, amp.sets())
}

func TestSessionPowerOn(t *testing.T) {
	ctx := context.Background()

	t.Run("uses cached volume", func(t *testing.T) {
		amp := newFakeAmp()
		amp.setZone(2, fakeZone{power: true, source: 1, volume: 33})
		s := newTestSession(t, "amp1", amp, nil)
		_, err := s.pollCycle(ctx)
		require.NoError(t, err)

		require.NoError(t, s.PowerOff(ctx, 2))
		snap, _ := s.Zone(2)
		require.False(t, snap.Power)

		require.NoError(t, s.PowerOn(ctx, 2))
		assert.Equal(t, []string{"*ZN02PWR00", "*ZN02VOL33"}, amp.sets())
		snap, _ = s.Zone(2)
		assert.True(t, snap.Power)
	})

	t.Run("falls back to default", func(t *testing.T) {
		amp := newFakeAmp()
		s := newTestSession(t, "amp1", amp, nil)

		require.NoError(t, s.PowerOn(ctx, 4))
		assert.Equal(t, []string{"*ZN04VOL" + strconv.Itoa(DefaultPowerOnVolume)}, amp.sets())
	})

	t.Run("prefers pending target", func(t *testing.T) {
		amp := newFakeAmp()
		s := newTestSession(t, "amp1", amp, nil)

		require.NoError(t, s.SetVolume(5, 12))
		require.NoError(t, s.PowerOn(ctx, 5))

		time.Sleep(3 * testTiming().CoalesceWindow)
		assert.Equal(t, []string{"*ZN05VOL12"}, amp.sets())
	})
}

// =============================================================================
// Commands
// =============================================================================

func TestSessionStepCommands(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(1, fakeZone{power: true, source: 1, volume: 30, bass: 4, treble: -10})
	s := newTestSession(t, "amp1", amp, nil)
	ctx := context.Background()
	_, err := s.pollCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, s.BassUp(ctx, 1))
	require.NoError(t, s.TrebleDown(ctx, 1))
	require.NoError(t, s.TrebleDown(ctx, 1))
	require.NoError(t, s.VolumeUp(ctx, 1))

	assert.Equal(t, []string{"*ZN01BAS06", "*ZN01TRB32", "*ZN01TRB32", "*ZN01VOLUP"}, amp.sets())

	snap, _ := s.Zone(1)
	assert.Equal(t, 6, snap.Bass)
	assert.Equal(t, -12, snap.Treble)
	assert.Equal(t, 31, snap.Volume)
}

func TestSessionSourceAndMute(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(6, fakeZone{power: true, source: 1, volume: 30})
	s := newTestSession(t, "amp1", amp, nil)
	ctx := context.Background()
	_, err := s.pollCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetSource(ctx, 6, 7))
	require.NoError(t, s.SetMute(ctx, 6, true))
	require.NoError(t, s.ToggleMute(ctx, 6))
	assert.ErrorIs(t, s.SetSource(ctx, 6, 9), ErrInvalidPayload)
	assert.ErrorIs(t, s.SetMute(ctx, 9, true), ErrInvalidZone)

	snap, _ := s.Zone(6)
	assert.Equal(t, 7, snap.Source)
	assert.False(t, snap.Mute)
}

func TestSessionConfirmRetriesThenFails(t *testing.T) {
	amp := newFakeAmp()
	amp.setSilent(true)
	s := newTestSession(t, "amp1", amp, nil)

	err := s.SetMute(context.Background(), 1, true)
	require.ErrorIs(t, err, ErrProtocolParse)

	assert.Equal(t, []string{"*ZN01MUT01", "*ZN01MUT01", "*ZN01MUT01"}, amp.sets(),
		"expected one attempt plus two retries")
}

func TestSessionConfirmIgnoresAbandonedReply(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(2, fakeZone{power: true, source: 1, volume: 30})
	s := newTestSession(t, "amp1", amp, nil)
	ctx := context.Background()
	_, err := s.pollCycle(ctx)
	require.NoError(t, err)

	// A query whose reply nobody reads, as left by an aborted request.
	s.mu.Lock()
	require.NoError(t, s.link.Send(StatusQuery(2)))
	s.mu.Unlock()
	waitFor(t, time.Second, func() bool {
		got := amp.received()
		return len(got) > 0 && got[len(got)-1] == StatusQuery(2)
	})
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.SetSource(ctx, 2, 5))

	snap, err := s.Zone(2)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Source, "confirmed from the stale reply")
	assert.Equal(t, 5, amp.zone(2).source)
}

func TestSessionConnectFailure(t *testing.T) {
	amp := newFakeAmp()
	amp.setRefuse(true)
	s := newTestSession(t, "amp1", amp, nil)

	err := s.SetMute(context.Background(), 1, true)
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 1, amp.dialCount())
}

func TestSessionReconnectsAfterTransportFailure(t *testing.T) {
	amp := newFakeAmp()
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)
	ctx := context.Background()

	_, err := s.pollCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, amp.dialCount())

	amp.closeAll()

	require.NoError(t, s.SetMute(ctx, 1, true))
	assert.Equal(t, 2, amp.dialCount())
	assert.True(t, amp.zone(1).mute)
	assert.Equal(t, 1, pub.count(testTopics.Availability("amp1"), PayloadOffline))
	assert.Equal(t, 3, pub.count(testTopics.Availability("amp1"), PayloadOnline))
}

func TestSessionAllOff(t *testing.T) {
	amp := newFakeAmp()
	for z := 1; z <= NumZones; z++ {
		amp.setZone(z, fakeZone{power: true, source: 1, volume: 30})
	}
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)
	ctx := context.Background()
	_, err := s.pollCycle(ctx)
	require.NoError(t, err)
	received := len(amp.received())

	require.NoError(t, s.AllOff(ctx))

	waitFor(t, time.Second, func() bool { return len(amp.received()) == received+1 })
	assert.Equal(t, AllOffCommand(), amp.received()[received], "all-off is not confirmed")

	for z := 1; z <= NumZones; z++ {
		v, ok := pub.last(testTopics.ZoneField("amp1", z, FieldPower))
		require.True(t, ok)
		assert.Equal(t, PayloadOff, v, "zone %d", z)
		snap, _ := s.Zone(z)
		assert.False(t, snap.Power)
	}
}

func TestSessionRaw(t *testing.T) {
	amp := newFakeAmp()
	amp.setZone(1, fakeZone{power: true, mute: true, source: 3, volume: 12})
	s := newTestSession(t, "amp1", amp, nil)

	reply, err := s.Raw(context.Background(), "*zn01sta00")
	require.NoError(t, err)
	assert.Equal(t, "#01,1,1,03,012", reply)
	assert.Equal(t, []string{"*ZN01STA00"}, amp.received())
}

// =============================================================================
// Lifecycle and isolation
// =============================================================================

func TestSessionStartStop(t *testing.T) {
	amp := newFakeAmp()
	pub := &recordingPublisher{}
	s := newTestSession(t, "amp1", amp, pub)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "second Start")

	waitFor(t, 2*time.Second, func() bool {
		snap, _ := s.Zone(8)
		return snap.Known && pub.count(testTopics.Availability("amp1"), PayloadOnline) == 2
	})

	s.Stop()
	s.Stop()

	assert.Equal(t, 1, pub.count(testTopics.Availability("amp1"), PayloadOffline))
	assert.False(t, s.LinkState().Connected)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestSessionStopsWithParentContext(t *testing.T) {
	amp := newFakeAmp()
	amp.setRefuse(true)
	s := newTestSession(t, "amp1", amp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	waitFor(t, time.Second, func() bool { return amp.dialCount() >= 1 })
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestSessionIsolation(t *testing.T) {
	slowAmp := newFakeAmp()
	slowAmp.setDelay(80 * time.Millisecond)
	fastAmp := newFakeAmp()

	slow := newTestSession(t, "slow", slowAmp, nil)
	fast := newTestSession(t, "fast", fastAmp, nil)
	ctx := context.Background()

	// Connect the healthy amp first so its latency excludes the dial.
	require.NoError(t, fast.SetMute(ctx, 1, false))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = slow.SetMute(ctx, 1, true)
	}()
	waitFor(t, time.Second, func() bool { return len(slowAmp.received()) > 0 })

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, fast.SetMute(ctx, 2, i%2 == 0))
	}
	healthy := time.Since(start)

	wg.Wait()
	assert.Less(t, healthy, 80*time.Millisecond,
		"commands on a healthy amp waited on a slow one")
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionOptions{})
	assert.Error(t, err)

	_, err = NewSession(SessionOptions{Endpoint: Endpoint{ID: "a", Host: "h", ZoneNames: map[int]string{9: "Attic"}}})
	assert.ErrorIs(t, err, ErrInvalidZone)

	_, err = NewSession(SessionOptions{Endpoint: Endpoint{ID: "a", Transport: "carrier-pigeon"}})
	assert.Error(t, err)

	s, err := NewSession(SessionOptions{Endpoint: Endpoint{ID: "a", Host: "10.0.0.2"}})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:23", s.Address())

	s, err = NewSession(SessionOptions{Endpoint: Endpoint{ID: "b", Transport: TransportSerial, SerialPort: "/dev/ttyUSB0"}})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0@9600", s.Address())
}
