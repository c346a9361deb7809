package ad8x

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default timing values.
const (
	DefaultConnectTimeout    = 2 * time.Second
	DefaultCommandTimeout    = 2 * time.Second
	DefaultPostSendSettle    = 50 * time.Millisecond
	DefaultInterCommandDelay = 100 * time.Millisecond
	DefaultCommandRetries    = 2
	DefaultRetryDelay        = 200 * time.Millisecond
	DefaultPollInterval      = 20 * time.Second
	DefaultCoalesceWindow    = 150 * time.Millisecond
	DefaultEchoSuppress      = time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 30 * time.Second

	// DefaultPowerOnVolume is used for power-on when no volume has been cached.
	DefaultPowerOnVolume = 20
)

// Transport kinds for Endpoint.Transport.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"

	// DefaultPort is the amplifier's control port.
	DefaultPort = 23

	// DefaultBaudRate is the amplifier's RS-232 speed.
	DefaultBaudRate = 9600
)

// Logger is the logging surface the package uses.
// *logging.Logger from the infrastructure layer satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Timing holds every delay and timeout the session uses.
type Timing struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	PostSendSettle    time.Duration
	InterCommandDelay time.Duration
	CommandRetries    int
	RetryDelay        time.Duration
	PollInterval      time.Duration
	CoalesceWindow    time.Duration
	EchoSuppress      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// DefaultTiming returns the timing used by a stock installation.
func DefaultTiming() Timing {
	return Timing{
		ConnectTimeout:    DefaultConnectTimeout,
		CommandTimeout:    DefaultCommandTimeout,
		PostSendSettle:    DefaultPostSendSettle,
		InterCommandDelay: DefaultInterCommandDelay,
		CommandRetries:    DefaultCommandRetries,
		RetryDelay:        DefaultRetryDelay,
		PollInterval:      DefaultPollInterval,
		CoalesceWindow:    DefaultCoalesceWindow,
		EchoSuppress:      DefaultEchoSuppress,
		BackoffBase:       DefaultBackoffBase,
		BackoffMax:        DefaultBackoffMax,
	}
}

// withDefaults fills zero timeouts and intervals. Pacing delays and the
// retry count may legitimately be zero and are left alone.
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	if t.CommandTimeout <= 0 {
		t.CommandTimeout = d.CommandTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.CoalesceWindow <= 0 {
		t.CoalesceWindow = d.CoalesceWindow
	}
	if t.BackoffBase <= 0 {
		t.BackoffBase = d.BackoffBase
	}
	if t.BackoffMax <= 0 {
		t.BackoffMax = d.BackoffMax
	}
	if t.CommandRetries < 0 {
		t.CommandRetries = 0
	}
	return t
}

// Endpoint describes how to reach one amplifier.
type Endpoint struct {
	ID         string
	Host       string
	Port       int
	Transport  string
	SerialPort string
	BaudRate   int

	// ZoneNames maps zone number to a display name.
	ZoneNames map[int]string
}

// Dialer returns the dialer for the endpoint's transport.
func (e Endpoint) Dialer() (Dialer, error) {
	switch e.Transport {
	case "", TransportTCP:
		if e.Host == "" {
			return nil, fmt.Errorf("amp %s: host is required", e.ID)
		}
		port := e.Port
		if port == 0 {
			port = DefaultPort
		}
		return TCPDialer{Host: e.Host, Port: port}, nil
	case TransportSerial:
		if e.SerialPort == "" {
			return nil, fmt.Errorf("amp %s: serial_port is required", e.ID)
		}
		baud := e.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		return SerialDialer{Port: e.SerialPort, BaudRate: baud}, nil
	default:
		return nil, fmt.Errorf("amp %s: unknown transport %q", e.ID, e.Transport)
	}
}

// ZoneName returns the configured name of a zone, or "Zone N".
func (e Endpoint) ZoneName(zone int) string {
	if name, ok := e.ZoneNames[zone]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Zone %d", zone)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Endpoint identifies and locates the amplifier (required).
	Endpoint Endpoint

	// Timing overrides the default delays. Zero fields take defaults.
	Timing Timing

	// DefaultPowerOnVolume is used when a zone is powered on before any
	// volume has been cached.
	DefaultPowerOnVolume int

	// Publisher receives state publications. Nil disables publishing.
	Publisher Publisher

	// Topics is the topic layout.
	Topics Topics

	// QoS is used for every publication.
	QoS byte

	// Observers receive state changes alongside the publisher.
	Observers []Observer

	// Logger is optional.
	Logger Logger

	// Dialer overrides the endpoint's transport.
	Dialer Dialer
}

// LinkState is the health view of one amplifier.
type LinkState struct {
	Connected           bool          `json:"connected"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Down                bool          `json:"down"`
	CurrentBackoff      time.Duration `json:"-"`
}

// Session is the worker that owns one amplifier: its link, zone cache,
// coalescer and poll loop.
//
// Thread Safety:
//   - Every wire transaction runs under mu, so polling, commands and
//     coalesced flushes never interleave on the stream.
//   - Zone and link state reads use their own locks and never wait on mu.
type Session struct {
	endpoint      Endpoint
	timing        Timing
	defaultVolume int

	link      *Link
	zones     *zoneCache
	coalescer *coalescer
	health    *linkHealth
	sink      *eventSink

	mu      sync.Mutex
	started bool
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewSession creates a session. The poll loop starts with Start.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Endpoint.ID == "" {
		return nil, errors.New("amp id is required")
	}
	for zone := range opts.Endpoint.ZoneNames {
		if !ValidZone(zone) {
			return nil, fmt.Errorf("amp %s: %w: zone name for %d", opts.Endpoint.ID, ErrInvalidZone, zone)
		}
	}

	dialer := opts.Dialer
	if dialer == nil {
		d, err := opts.Endpoint.Dialer()
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	timing := opts.Timing.withDefaults()
	defaultVolume := opts.DefaultPowerOnVolume
	if defaultVolume <= 0 {
		defaultVolume = DefaultPowerOnVolume
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		endpoint:      opts.Endpoint,
		timing:        timing,
		defaultVolume: ClampVolume(defaultVolume),
		zones:         newZoneCache(),
		health:        newLinkHealth(DownThreshold, NewBackoff(timing.BackoffBase, timing.BackoffMax)),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.sink = &eventSink{
		ampID:  opts.Endpoint.ID,
		topics: opts.Topics,
		pub:    opts.Publisher,
		qos:    opts.QoS,
		names:  opts.Endpoint.ZoneName,
		log:    s.logWarn,
	}
	for _, o := range opts.Observers {
		s.sink.addObserver(o)
	}

	s.link = NewLink(dialer, LinkConfig{
		ConnectTimeout: timing.ConnectTimeout,
		WriteTimeout:   timing.CommandTimeout,
		Settle:         timing.PostSendSettle,
	}, s.sink.availability)

	s.coalescer = newCoalescer(timing.CoalesceWindow, s.flush)

	if opts.Logger != nil {
		s.SetLogger(opts.Logger)
	}
	return s, nil
}

// Start launches the poll loop. It stops when ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("amp %s: already started", s.endpoint.ID)
	}
	s.started = true

	runCtx, cancel := context.WithCancel(s.ctx)
	stopWatching := context.AfterFunc(ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer stopWatching()
		defer cancel()
		s.run(runCtx)
	}()
	return nil
}

// Stop ends the poll loop, cancels pending coalesced sets and closes the
// link. It blocks until the poll loop has exited. A coalesced flush that
// fired before Stop finds nothing to send once it gets the device lock.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		s.stopped = true
		s.coalescer.stop()
		s.link.Close()
		s.mu.Unlock()

		s.logInfo("session stopped")
	})
}

// AddObserver registers an observer for state changes.
func (s *Session) AddObserver(o Observer) {
	s.sink.addObserver(o)
}

// SetLogger sets the logger for the session and its link.
func (s *Session) SetLogger(logger Logger) {
	tagged := withFields(logger, "amp", s.endpoint.ID)
	s.loggerMu.Lock()
	s.logger = tagged
	s.loggerMu.Unlock()
	s.link.SetLogger(tagged)
}

// ID returns the amplifier identifier.
func (s *Session) ID() string {
	return s.endpoint.ID
}

// Endpoint returns the amplifier's endpoint.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Address describes the amplifier's transport address.
func (s *Session) Address() string {
	return s.link.Address()
}

// Stats returns the link counters.
func (s *Session) Stats() LinkStats {
	return s.link.Stats()
}

// LinkState returns connection and failure-detection state.
func (s *Session) LinkState() LinkState {
	failures, down, backoff := s.health.state()
	return LinkState{
		Connected:           s.link.Connected(),
		ConsecutiveFailures: failures,
		Down:                down,
		CurrentBackoff:      backoff,
	}
}

// Zone returns the cached state of one zone.
func (s *Session) Zone(zone int) (ZoneSnapshot, error) {
	if !ValidZone(zone) {
		return ZoneSnapshot{}, fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return s.zones.snapshot(zone, s.endpoint.ZoneName(zone)), nil
}

// Zones returns the cached state of every zone in order.
func (s *Session) Zones() []ZoneSnapshot {
	out := make([]ZoneSnapshot, 0, NumZones)
	for zone := 1; zone <= NumZones; zone++ {
		out = append(out, s.zones.snapshot(zone, s.endpoint.ZoneName(zone)))
	}
	return out
}

// =============================================================================
// Commands
// =============================================================================

// PowerOn switches a zone on by setting an absolute volume, which the device
// treats as an implicit power-on. A bare PWR01 would resume at the device's
// own default level. The volume used is, in order: a pending coalesced
// target, the cached volume, or the configured default.
func (s *Session) PowerOn(ctx context.Context, zone int) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}

	vol := s.defaultVolume
	if z := s.zones.get(zone); z.Known {
		vol = z.Volume
	}
	if target, ok := s.coalescer.pendingTarget(zone, controlVolume); ok {
		vol = target
	}
	s.coalescer.cancel(zone, controlVolume)

	return s.exec(ctx, zone, VolumeCommand(zone, vol))
}

// PowerOff switches a zone off. Pending coalesced sets for the zone are
// dropped so a late flush cannot switch it back on.
func (s *Session) PowerOff(ctx context.Context, zone int) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	s.cancelPending(zone)
	return s.exec(ctx, zone, PowerCommand(zone, false))
}

// SetMute sets the mute state of a zone.
func (s *Session) SetMute(ctx context.Context, zone int, on bool) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return s.exec(ctx, zone, MuteCommand(zone, on))
}

// ToggleMute flips the mute state of a powered zone.
func (s *Session) ToggleMute(ctx context.Context, zone int) error {
	if err := s.gate(zone); err != nil {
		return err
	}
	return s.exec(ctx, zone, ToggleMuteCommand(zone))
}

// SetSource selects the input of a powered zone.
func (s *Session) SetSource(ctx context.Context, zone, source int) error {
	if source < 1 || source > NumZones {
		return fmt.Errorf("%w: source %d", ErrInvalidPayload, source)
	}
	if err := s.gate(zone); err != nil {
		return err
	}
	return s.exec(ctx, zone, SourceCommand(zone, source))
}

// SetVolume schedules a coalesced absolute volume set. It is allowed while
// the zone is off and powers it on when flushed.
func (s *Session) SetVolume(zone, volume int) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return s.schedule(zone, controlVolume, ClampVolume(volume))
}

// SetBass schedules a coalesced bass set on a powered zone.
func (s *Session) SetBass(zone, level int) error {
	if err := s.gate(zone); err != nil {
		return err
	}
	return s.schedule(zone, controlBass, NormalizeTone(level))
}

// SetTreble schedules a coalesced treble set on a powered zone.
func (s *Session) SetTreble(zone, level int) error {
	if err := s.gate(zone); err != nil {
		return err
	}
	return s.schedule(zone, controlTreble, NormalizeTone(level))
}

// VolumeUp steps the volume of a powered zone up by the device's increment.
func (s *Session) VolumeUp(ctx context.Context, zone int) error {
	return s.volumeStep(ctx, zone, VolumeUpCommand)
}

// VolumeDown steps the volume of a powered zone down by the device's increment.
func (s *Session) VolumeDown(ctx context.Context, zone int) error {
	return s.volumeStep(ctx, zone, VolumeDownCommand)
}

// BassUp raises the bass of a powered zone by ToneStep.
func (s *Session) BassUp(ctx context.Context, zone int) error {
	return s.toneStep(ctx, zone, controlBass, ToneStep)
}

// BassDown lowers the bass of a powered zone by ToneStep.
func (s *Session) BassDown(ctx context.Context, zone int) error {
	return s.toneStep(ctx, zone, controlBass, -ToneStep)
}

// TrebleUp raises the treble of a powered zone by ToneStep.
func (s *Session) TrebleUp(ctx context.Context, zone int) error {
	return s.toneStep(ctx, zone, controlTreble, ToneStep)
}

// TrebleDown lowers the treble of a powered zone by ToneStep.
func (s *Session) TrebleDown(ctx context.Context, zone int) error {
	return s.toneStep(ctx, zone, controlTreble, -ToneStep)
}

// AllOff sends the global off command without confirmation, then marks every
// zone off and publishes the optimistic state.
func (s *Session) AllOff(ctx context.Context) error {
	for zone := 1; zone <= NumZones; zone++ {
		s.cancelPending(zone)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if err := s.sendOnly(ctx, AllOffCommand()); err != nil {
		return err
	}

	for zone := 1; zone <= NumZones; zone++ {
		z := s.zones.update(zone, func(z *ZoneState) { z.Power = false })
		s.sink.power(zone, z)
	}
	s.logInfo("all zones off")
	return nil
}

// Raw sends an arbitrary command and returns the first reply line.
func (s *Session) Raw(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrStopped
	}
	return s.passthrough(ctx, cmd)
}

// Refresh re-reads one zone from the device.
func (s *Session) Refresh(ctx context.Context, zone int) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return s.exec(ctx, zone, StatusQuery(zone))
}

func (s *Session) volumeStep(ctx context.Context, zone int, build func(int) string) error {
	if err := s.gate(zone); err != nil {
		return err
	}
	s.coalescer.cancel(zone, controlVolume)
	return s.exec(ctx, zone, build(zone))
}

func (s *Session) toneStep(ctx context.Context, zone int, ctl control, delta int) error {
	if err := s.gate(zone); err != nil {
		return err
	}
	s.coalescer.cancel(zone, ctl)

	z := s.zones.get(zone)
	if ctl == controlBass {
		return s.exec(ctx, zone, BassCommand(zone, NormalizeTone(z.Bass+delta)))
	}
	return s.exec(ctx, zone, TrebleCommand(zone, NormalizeTone(z.Treble+delta)))
}

// gate rejects power-gated commands on a zone cached as off.
func (s *Session) gate(zone int) error {
	if !ValidZone(zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	if !s.zones.isOn(zone) {
		return fmt.Errorf("%w: %s zone %d", ErrPolicyRejected, s.endpoint.ID, zone)
	}
	return nil
}

// exec runs a confirmed command under the device lock.
func (s *Session) exec(ctx context.Context, zone int, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	return s.confirm(ctx, zone, cmd)
}

func (s *Session) schedule(zone int, ctl control, target int) error {
	if !s.coalescer.schedule(zone, ctl, target) {
		return ErrStopped
	}
	s.logDebug("set scheduled", "zone", zone, "control", ctl.String(), "target", target)
	return nil
}

func (s *Session) cancelPending(zone int) {
	for ctl := control(0); ctl < numControls; ctl++ {
		s.coalescer.cancel(zone, ctl)
	}
}

// flush is the coalescer callback. It takes the device lock before claiming
// the target, so a flush never overlaps a poll or command and never runs
// after Stop.
func (s *Session) flush(zone int, ctl control, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	target, ok := s.coalescer.take(zone, ctl, gen)
	if !ok {
		return
	}

	switch ctl {
	case controlVolume:
		s.flushVolume(zone, target)
	case controlBass:
		s.flushTone(zone, BassCommand(zone, target))
	case controlTreble:
		s.flushTone(zone, TrebleCommand(zone, target))
	}
}

// flushVolume publishes the target optimistically, opens the echo window and
// sends it. A failed send is followed by a status re-read. Caller holds s.mu.
func (s *Session) flushVolume(zone, target int) {
	until := time.Now().Add(s.timing.EchoSuppress)
	if s.zones.markOptimisticVolume(zone, target, until) {
		s.sink.volume(zone, target)
	}

	if err := s.confirm(s.ctx, zone, VolumeCommand(zone, target)); err != nil {
		s.logWarn("volume set failed", "zone", zone, "target", target, "error", err)
		s.resync(zone)
	}
}

// flushTone sends a bass or treble target unless the zone went off while
// the set was pending. Caller holds s.mu.
func (s *Session) flushTone(zone int, cmd string) {
	if !s.zones.isOn(zone) {
		s.logDebug("dropping tone set for zone that is off", "zone", zone, "command", cmd)
		return
	}
	if err := s.confirm(s.ctx, zone, cmd); err != nil {
		s.logWarn("tone set failed", "zone", zone, "command", cmd, "error", err)
		s.resync(zone)
	}
}

// resync re-reads a zone after a failed coalesced set. Caller holds s.mu.
func (s *Session) resync(zone int) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.confirm(s.ctx, zone, StatusQuery(zone)); err != nil {
		s.logWarn("zone resync failed", "zone", zone, "error", err)
	}
}

// =============================================================================
// Logging
// =============================================================================

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// fieldLogger prepends fixed key/value pairs to every entry.
type fieldLogger struct {
	next   Logger
	fields []any
}

func withFields(logger Logger, keysAndValues ...any) Logger {
	if logger == nil {
		return nil
	}
	return &fieldLogger{next: logger, fields: keysAndValues}
}

func (l *fieldLogger) with(keysAndValues []any) []any {
	out := make([]any, 0, len(l.fields)+len(keysAndValues))
	out = append(out, l.fields...)
	return append(out, keysAndValues...)
}

func (l *fieldLogger) Debug(msg string, keysAndValues ...any) {
	l.next.Debug(msg, l.with(keysAndValues)...)
}

func (l *fieldLogger) Info(msg string, keysAndValues ...any) {
	l.next.Info(msg, l.with(keysAndValues)...)
}

func (l *fieldLogger) Warn(msg string, keysAndValues ...any) {
	l.next.Warn(msg, l.with(keysAndValues)...)
}

func (l *fieldLogger) Error(msg string, keysAndValues ...any) {
	l.next.Error(msg, l.with(keysAndValues)...)
}
