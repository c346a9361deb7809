package ad8x

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Fake amplifier
// =============================================================================

type fakeZone struct {
	power  bool
	mute   bool
	source int
	volume int
	bass   int
	treble int
}

// fakeAmp emulates an AD-8x over net.Pipe. It answers status and tone
// queries from its own zone table and applies set commands to it.
type fakeAmp struct {
	mu          sync.Mutex
	zones       [NumZones]fakeZone
	commands    []string
	dials       int
	refuse      bool
	silent      bool
	placeholder bool
	delay       time.Duration
	conns       []net.Conn
}

func newFakeAmp() *fakeAmp {
	a := &fakeAmp{}
	for i := range a.zones {
		a.zones[i] = fakeZone{source: 1, volume: 30}
	}
	return a
}

func (a *fakeAmp) dialer() Dialer { return fakeDialer{amp: a} }

func (a *fakeAmp) setRefuse(v bool) {
	a.mu.Lock()
	a.refuse = v
	a.mu.Unlock()
}

func (a *fakeAmp) setSilent(v bool) {
	a.mu.Lock()
	a.silent = v
	a.mu.Unlock()
}

func (a *fakeAmp) setPlaceholder(v bool) {
	a.mu.Lock()
	a.placeholder = v
	a.mu.Unlock()
}

func (a *fakeAmp) setDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

func (a *fakeAmp) setZone(zone int, z fakeZone) {
	a.mu.Lock()
	a.zones[zone-1] = z
	a.mu.Unlock()
}

func (a *fakeAmp) zone(zone int) fakeZone {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zones[zone-1]
}

// received returns every command line, handshake excluded.
func (a *fakeAmp) received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

// sets returns received commands other than status and tone queries.
func (a *fakeAmp) sets() []string {
	var out []string
	for _, c := range a.received() {
		if strings.HasSuffix(c, "STA00") || strings.HasSuffix(c, "SET00") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (a *fakeAmp) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *fakeAmp) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		c.Close()
	}
	a.conns = nil
}

func (a *fakeAmp) dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.dials++
	if a.refuse {
		a.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	a.conns = append(a.conns, server)
	a.mu.Unlock()

	replies := make(chan string, 64)
	go a.serve(server, replies)
	go a.write(server, replies)
	return client, nil
}

// serve reads CR-terminated commands and queues replies.
func (a *fakeAmp) serve(conn net.Conn, replies chan<- string) {
	defer close(replies)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || line[0] == 0x1b {
			continue
		}
		for _, reply := range a.handle(line) {
			replies <- reply
		}
	}
}

// write sends queued replies, applying the configured delay.
func (a *fakeAmp) write(conn net.Conn, replies <-chan string) {
	for reply := range replies {
		a.mu.Lock()
		delay := a.delay
		a.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte(reply + "\r")); err != nil {
			return
		}
	}
}

func (a *fakeAmp) handle(cmd string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.commands = append(a.commands, cmd)

	if cmd == AllOffCommand() {
		for i := range a.zones {
			a.zones[i].power = false
		}
		return nil
	}
	if !strings.HasPrefix(cmd, "*ZN") || len(cmd) < 8 {
		return []string{"?"}
	}
	zone, err := strconv.Atoi(cmd[3:5])
	if err != nil || !ValidZone(zone) {
		return []string{"?"}
	}
	z := &a.zones[zone-1]
	verb, arg := cmd[5:8], cmd[8:]

	switch verb {
	case "STA":
		if a.silent {
			return nil
		}
		line := fmt.Sprintf("#%02d,%d,%d,%02d,%03d", zone, b2i(z.power), b2i(z.mute), z.source, z.volume)
		if a.placeholder {
			return []string{"#?", line}
		}
		return []string{line}
	case "SET":
		if a.silent {
			return nil
		}
		line := fmt.Sprintf("$%02d,%d,%d", zone, z.bass, z.treble)
		if a.placeholder {
			return []string{"$?", line}
		}
		return []string{line}
	case "PWR":
		z.power = arg == "01"
	case "MUT":
		switch arg {
		case "01":
			z.mute = true
		case "00":
			z.mute = false
		case "02":
			z.mute = !z.mute
		}
	case "SRC":
		z.source, _ = strconv.Atoi(arg)
	case "VOL":
		switch arg {
		case "UP":
			z.volume = ClampVolume(z.volume + 1)
		case "DN":
			z.volume = ClampVolume(z.volume - 1)
		default:
			z.volume, _ = strconv.Atoi(arg)
		}
		z.power = true
	case "BAS":
		z.bass, _ = decodeTone(arg)
	case "TRB":
		z.treble, _ = decodeTone(arg)
	}
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

type fakeDialer struct {
	amp *fakeAmp
}

func (d fakeDialer) Dial(ctx context.Context) (Conn, error) { return d.amp.dial(ctx) }
func (d fakeDialer) Address() string                        { return "fake-amp" }

// =============================================================================
// Recording publisher
// =============================================================================

type publication struct {
	Topic    string
	Payload  string
	Retained bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []publication
}

func (p *recordingPublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publication{Topic: topic, Payload: string(payload), Retained: retained})
	return nil
}

func (p *recordingPublisher) all() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.msgs...)
}

// count returns how many times payload was published on topic.
func (p *recordingPublisher) count(topic, payload string) int {
	n := 0
	for _, m := range p.all() {
		if m.Topic == topic && m.Payload == payload {
			n++
		}
	}
	return n
}

// last returns the most recent payload on topic.
func (p *recordingPublisher) last(topic string) (string, bool) {
	msgs := p.all()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Topic == topic {
			return msgs[i].Payload, true
		}
	}
	return "", false
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

// =============================================================================
// Helpers
// =============================================================================

func testTiming() Timing {
	return Timing{
		ConnectTimeout:    200 * time.Millisecond,
		CommandTimeout:    100 * time.Millisecond,
		PostSendSettle:    time.Millisecond,
		InterCommandDelay: 0,
		CommandRetries:    2,
		RetryDelay:        5 * time.Millisecond,
		PollInterval:      time.Hour,
		CoalesceWindow:    40 * time.Millisecond,
		EchoSuppress:      200 * time.Millisecond,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
	}
}

func newTestSession(t *testing.T, id string, amp *fakeAmp, pub Publisher) *Session {
	t.Helper()

	s, err := NewSession(SessionOptions{
		Endpoint:  Endpoint{ID: id, Host: "127.0.0.1"},
		Timing:    testTiming(),
		Publisher: pub,
		Topics:    Topics{Base: DefaultBaseTopic},
		Dialer:    amp.dialer(),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		amp.closeAll()
	})
	return s
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
