package ad8x

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// readChunkSize is the size of a single socket read.
	readChunkSize = 1024

	// minReplyWait is the shortest slice ReadReply hands to ReadLine.
	minReplyWait = 50 * time.Millisecond

	// discardWait bounds how long Discard waits for bytes already in flight.
	discardWait = 10 * time.Millisecond
)

// LinkStats holds connection statistics for one amplifier.
type LinkStats struct {
	CommandsTx      uint64    `json:"commands_tx"`
	LinesRx         uint64    `json:"lines_rx"`
	Connects        uint64    `json:"connects"`
	ConnectFailures uint64    `json:"connect_failures"`
	LastActivity    time.Time `json:"last_activity"`
}

// LinkConfig holds the timing a Link needs.
type LinkConfig struct {
	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each command write.
	WriteTimeout time.Duration

	// Settle is the pause after the handshake before the first command.
	Settle time.Duration
}

// Link owns the byte stream to one amplifier.
//
// Thread Safety:
//   - Connect, ReadLine, ReadReply, Discard, Send and Close must be called
//     with the owning session's device lock held.
//   - Connected and Stats are safe to call from any goroutine.
type Link struct {
	dialer Dialer
	cfg    LinkConfig

	conn    Conn
	buf     []byte
	readErr error

	connected atomic.Bool

	// onAvailability is told about online/offline transitions.
	onAvailability func(online bool)

	commandsTx      atomic.Uint64
	linesRx         atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	lastActivity    atomic.Int64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLink creates a disconnected link.
func NewLink(dialer Dialer, cfg LinkConfig, onAvailability func(online bool)) *Link {
	return &Link{
		dialer:         dialer,
		cfg:            cfg,
		onAvailability: onAvailability,
	}
}

// Connect opens the stream, writes the handshake and waits for the settle delay.
// Any failure leaves the link closed and returns an error wrapping ErrConnect.
func (l *Link) Connect(ctx context.Context) error {
	l.Close()

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	l.logInfo("connecting", "address", l.dialer.Address())

	conn, err := l.dialer.Dial(dialCtx)
	if err != nil {
		l.connectFailures.Add(1)
		l.logWarn("connect failed", "address", l.dialer.Address(), "error", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if l.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) //nolint:errcheck // Deadline support is optional
	}
	if _, err := conn.Write(handshake); err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		l.connectFailures.Add(1)
		return fmt.Errorf("%w: handshake: %w", ErrConnect, err)
	}

	if !sleepCtx(ctx, l.cfg.Settle) {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
	}

	l.conn = conn
	l.buf = l.buf[:0]
	l.readErr = nil
	l.connected.Store(true)
	l.connects.Add(1)
	l.touch()

	l.logInfo("connected", "address", l.dialer.Address())
	if l.onAvailability != nil {
		l.onAvailability(true)
	}
	return nil
}

// ReadLine returns the next CR- or LF-terminated line.
// It returns "" if the timeout elapses or the peer closes the stream.
func (l *Link) ReadLine(timeout time.Duration) string {
	if line, ok := l.popLine(); ok {
		return line
	}
	if l.conn == nil || l.readErr != nil {
		return ""
	}

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunkSize)

	for time.Now().Before(deadline) {
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			l.readErr = err
			return ""
		}

		n, err := l.conn.Read(chunk)
		if n > 0 {
			l.buf = append(l.buf, chunk[:n]...)
			l.touch()
			l.logDebug("rx chunk", "bytes", n, "data", fmt.Sprintf("% x", chunk[:n]))
			if line, ok := l.popLine(); ok {
				return line
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			l.readErr = err
			return ""
		}
	}
	return ""
}

// ReadReply reads lines until one starts with prefix, skipping empty lines
// and "#?"/"$?" placeholders. Returns "" on timeout.
func (l *Link) ReadReply(prefix string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ""
		}
		if remaining < minReplyWait {
			remaining = minReplyWait
		}

		line := l.ReadLine(remaining)
		if line == "" || isPlaceholder(line) {
			if l.conn == nil || l.readErr != nil {
				return ""
			}
			continue
		}
		if strings.HasPrefix(line, prefix) {
			return line
		}
		l.logDebug("discarding unexpected line", "line", line, "want_prefix", prefix)
	}
}

// Discard drops buffered lines and any bytes that arrive within
// discardWait, so a later ReadReply only sees answers to later commands.
func (l *Link) Discard() {
	dropped := len(l.buf)
	l.buf = l.buf[:0]
	if l.conn == nil || l.readErr != nil {
		return
	}

	deadline := time.Now().Add(discardWait)
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		l.readErr = err
		return
	}
	chunk := make([]byte, readChunkSize)
	for {
		n, err := l.conn.Read(chunk)
		dropped += n
		if err != nil {
			if !isTimeout(err) {
				l.readErr = err
			}
			break
		}
	}
	if dropped > 0 {
		l.logDebug("discarded stale input", "bytes", dropped)
	}
}

// Send uppercases and trims cmd, appends CR and writes it.
func (l *Link) Send(cmd string) error {
	if !l.connected.Load() || l.conn == nil {
		return ErrNotConnected
	}
	if l.readErr != nil {
		return fmt.Errorf("%w: stream closed: %w", ErrTransport, l.readErr)
	}

	cmd = strings.ToUpper(strings.TrimSpace(cmd))

	if l.cfg.WriteTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) //nolint:errcheck // Deadline support is optional
	}
	if _, err := l.conn.Write([]byte(cmd + lineTerminator)); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, cmd, err)
	}

	l.commandsTx.Add(1)
	l.touch()
	l.logDebug("tx", "command", cmd)
	return nil
}

// Err returns the read error that broke the stream, if any.
func (l *Link) Err() error {
	return l.readErr
}

// Close releases the stream. Emits offline availability if it was connected.
// Safe to call on a closed link.
func (l *Link) Close() {
	was := l.connected.Swap(false)
	if l.conn != nil {
		l.conn.Close() //nolint:errcheck // Closing is best-effort
		l.conn = nil
	}
	l.buf = nil
	l.readErr = nil

	if was {
		l.logInfo("closed", "address", l.dialer.Address())
		if l.onAvailability != nil {
			l.onAvailability(false)
		}
	}
}

// Connected reports whether the link believes the stream is open.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Address describes the endpoint.
func (l *Link) Address() string {
	return l.dialer.Address()
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	var last time.Time
	if ts := l.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return LinkStats{
		CommandsTx:      l.commandsTx.Load(),
		LinesRx:         l.linesRx.Load(),
		Connects:        l.connects.Load(),
		ConnectFailures: l.connectFailures.Load(),
		LastActivity:    last,
	}
}

// SetLogger sets the logger for the link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// popLine extracts the first complete line from the buffer.
// Trailing CR/LF bytes after the line are consumed with it.
func (l *Link) popLine() (string, bool) {
	idx := bytes.IndexAny(l.buf, "\r\n")
	if idx < 0 {
		return "", false
	}

	line := strings.TrimSpace(string(bytes.ToValidUTF8(l.buf[:idx], nil)))
	rest := bytes.TrimLeft(l.buf[idx:], "\r\n")
	l.buf = append(l.buf[:0], rest...)

	l.linesRx.Add(1)
	return line, true
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logInfo(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Link) logWarn(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (l *Link) logDebug(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// sleepCtx waits for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
