package ad8x

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command names accepted by Dispatch.
const (
	CmdPower      = "power"
	CmdMute       = "mute"
	CmdToggleMute = "toggle_mute"
	CmdSource     = "source"
	CmdVolume     = "volume"
	CmdBass       = "bass"
	CmdTreble     = "treble"
	CmdVolumeUp   = "volume_up"
	CmdVolumeDown = "volume_down"
	CmdBassUp     = "bass_up"
	CmdBassDown   = "bass_down"
	CmdTrebleUp   = "treble_up"
	CmdTrebleDown = "treble_down"
	CmdRefresh    = "refresh"

	// CmdAllOff and CmdRaw only appear in audit records.
	CmdAllOff = "all_off"
	CmdRaw    = "raw"
)

// Intent sources.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// Command results recorded for auditing.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultInvalid  = "invalid"
	ResultFailed   = "failed"
)

// Intent is a decoded control request for one zone.
type Intent struct {
	AmpID   string
	Zone    int
	Command string
	Payload string

	// Source names where the intent came from (mqtt, api).
	Source string
}

// CommandOutcome is the result of one dispatched intent.
type CommandOutcome struct {
	Intent
	Result   string
	Err      error
	Duration time.Duration
	Time     time.Time
}

// CommandAuditor records command outcomes. Implementations must not block
// for long; they are called on the dispatching goroutine.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, outcome CommandOutcome)
}

// Router maps intents onto sessions and applies power policy.
type Router struct {
	sessions map[string]*Session
	order    []string

	auditorMu sync.RWMutex
	auditor   CommandAuditor

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRouter creates a router over the given sessions.
func NewRouter(sessions ...*Session) (*Router, error) {
	r := &Router{sessions: make(map[string]*Session, len(sessions))}
	for _, s := range sessions {
		if _, dup := r.sessions[s.ID()]; dup {
			return nil, fmt.Errorf("duplicate amp id %q", s.ID())
		}
		r.sessions[s.ID()] = s
		r.order = append(r.order, s.ID())
	}
	slices.Sort(r.order)
	return r, nil
}

// SetAuditor sets the command auditor.
func (r *Router) SetAuditor(a CommandAuditor) {
	r.auditorMu.Lock()
	r.auditor = a
	r.auditorMu.Unlock()
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Session returns the session for an amplifier.
func (r *Router) Session(ampID string) (*Session, bool) {
	s, ok := r.sessions[ampID]
	return s, ok
}

// Sessions returns every session ordered by ID.
func (r *Router) Sessions() []*Session {
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Zones returns the cached state of every zone of one amplifier.
func (r *Router) Zones(ampID string) ([]ZoneSnapshot, error) {
	s, ok := r.sessions[ampID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAmp, ampID)
	}
	return s.Zones(), nil
}

// Zone returns the cached state of one zone.
func (r *Router) Zone(ampID string, zone int) (ZoneSnapshot, error) {
	s, ok := r.sessions[ampID]
	if !ok {
		return ZoneSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownAmp, ampID)
	}
	return s.Zone(zone)
}

// Dispatch executes an intent. Absolute volume, bass and treble sets return
// once the target is scheduled; everything else returns after the device
// confirmed it.
func (r *Router) Dispatch(ctx context.Context, in Intent) error {
	start := time.Now()
	err := r.dispatch(ctx, in)
	r.record(ctx, in, start, err)
	return err
}

func (r *Router) dispatch(ctx context.Context, in Intent) error {
	s, ok := r.sessions[in.AmpID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAmp, in.AmpID)
	}
	if !ValidZone(in.Zone) {
		return fmt.Errorf("%w: %d", ErrInvalidZone, in.Zone)
	}

	zone := in.Zone
	switch strings.ToLower(in.Command) {
	case CmdPower:
		on, err := ParseBool(in.Payload)
		if err != nil {
			return err
		}
		if on {
			return s.PowerOn(ctx, zone)
		}
		return s.PowerOff(ctx, zone)

	case CmdMute:
		on, err := ParseBool(in.Payload)
		if err != nil {
			return err
		}
		return s.SetMute(ctx, zone, on)

	case CmdToggleMute:
		return s.ToggleMute(ctx, zone)

	case CmdSource:
		n, err := ParseInt(in.Payload)
		if err != nil {
			return err
		}
		return s.SetSource(ctx, zone, n)

	case CmdVolume:
		n, err := ParseInt(in.Payload)
		if err != nil {
			return err
		}
		return s.SetVolume(zone, n)

	case CmdBass:
		n, err := ParseInt(in.Payload)
		if err != nil {
			return err
		}
		return s.SetBass(zone, n)

	case CmdTreble:
		n, err := ParseInt(in.Payload)
		if err != nil {
			return err
		}
		return s.SetTreble(zone, n)

	case CmdVolumeUp:
		return s.VolumeUp(ctx, zone)
	case CmdVolumeDown:
		return s.VolumeDown(ctx, zone)
	case CmdBassUp:
		return s.BassUp(ctx, zone)
	case CmdBassDown:
		return s.BassDown(ctx, zone)
	case CmdTrebleUp:
		return s.TrebleUp(ctx, zone)
	case CmdTrebleDown:
		return s.TrebleDown(ctx, zone)
	case CmdRefresh:
		return s.Refresh(ctx, zone)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, in.Command)
	}
}

// AllOff sends the global off command to every amplifier in parallel
// without confirmation. Errors from individual amplifiers are joined.
func (r *Router) AllOff(ctx context.Context, source string) error {
	start := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range r.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.AllOff(ctx); err != nil {
				r.logWarn("all-off failed", "amp", s.ID(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("amp %s: %w", s.ID(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	err := errors.Join(errs...)
	r.record(ctx, Intent{AmpID: "all", Command: CmdAllOff, Source: source}, start, err)
	return err
}

// Raw forwards an arbitrary command to one amplifier and returns its reply.
func (r *Router) Raw(ctx context.Context, ampID, cmd, source string) (string, error) {
	start := time.Now()
	in := Intent{AmpID: ampID, Command: CmdRaw, Payload: cmd, Source: source}

	s, ok := r.sessions[ampID]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownAmp, ampID)
		r.record(ctx, in, start, err)
		return "", err
	}
	reply, err := s.Raw(ctx, cmd)
	r.record(ctx, in, start, err)
	return reply, err
}

// AmpHealth reports link health for every amplifier.
func (r *Router) AmpHealth() []AmpHealth {
	out := make([]AmpHealth, 0, len(r.order))
	for _, s := range r.Sessions() {
		ls := s.LinkState()
		out = append(out, AmpHealth{
			ID:                  s.ID(),
			Address:             s.Address(),
			Connected:           ls.Connected,
			Down:                ls.Down,
			ConsecutiveFailures: ls.ConsecutiveFailures,
			Stats:               s.Stats(),
		})
	}
	return out
}

// StartAll starts every session's poll loop.
func (r *Router) StartAll(ctx context.Context) error {
	for _, s := range r.Sessions() {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start amp %s: %w", s.ID(), err)
		}
	}
	return nil
}

// StopAll stops every session concurrently and waits for them.
func (r *Router) StopAll() {
	var wg sync.WaitGroup
	for _, s := range r.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

func (r *Router) record(ctx context.Context, in Intent, start time.Time, err error) {
	outcome := CommandOutcome{
		Intent:   in,
		Result:   ResultFor(err),
		Err:      err,
		Duration: time.Since(start),
		Time:     start,
	}

	if err != nil {
		r.logWarn("command failed",
			"amp", in.AmpID, "zone", in.Zone, "command", in.Command,
			"result", outcome.Result, "error", err)
	} else {
		r.logDebug("command dispatched",
			"amp", in.AmpID, "zone", in.Zone, "command", in.Command, "duration", outcome.Duration)
	}

	r.auditorMu.RLock()
	a := r.auditor
	r.auditorMu.RUnlock()
	if a != nil {
		a.RecordCommand(ctx, outcome)
	}
}

// ResultFor classifies an error into an audit result.
func ResultFor(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrPolicyRejected):
		return ResultRejected
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrInvalidZone),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrUnknownAmp):
		return ResultInvalid
	default:
		return ResultFailed
	}
}

// ParseBool accepts 1/on/true and 0/off/false, case-insensitive.
func ParseBool(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidPayload, payload)
	}
}

// ParseInt parses a decimal integer payload.
func ParseInt(payload string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidPayload, payload)
	}
	return n, nil
}

func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (r *Router) logDebug(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
