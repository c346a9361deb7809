package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/logging"
)

// Frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	ChannelZoneState = "zone.state"
	ChannelAmpLink   = "amp.link"
)

const (
	wsQueueSize           = 64
	defaultWSPingInterval = 30 * time.Second
	defaultWSWriteWait    = 10 * time.Second
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe frame.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// ZoneEvent is the payload on ChannelZoneState.
type ZoneEvent struct {
	Amp string `json:"amp"`
	ad8x.ZoneSnapshot
}

// LinkEventPayload is the payload on ChannelAmpLink.
type LinkEventPayload struct {
	Amp string `json:"amp"`
	ad8x.LinkEvent
}

// Hub pushes session events to connected WebSocket clients and implements
// ad8x.Observer. A client hears every channel until its first subscribe.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu    sync.RWMutex
	peers map[*wsPeer]struct{}
}

// wsPeer is one connection. Its queue is closed exactly once, by the hub,
// while holding the hub's write lock.
type wsPeer struct {
	conn  *websocket.Conn
	queue chan []byte

	filterMu sync.RWMutex
	filter   map[string]bool // nil means every channel
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware has already vetted the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, peers: make(map[*wsPeer]struct{})}
}

// Run waits for ctx and then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		h.dropLocked(p)
		p.conn.Close()
	}
}

// ZoneChanged implements ad8x.Observer.
func (h *Hub) ZoneChanged(ampID string, z ad8x.ZoneSnapshot) {
	h.publish(ChannelZoneState, ZoneEvent{Amp: ampID, ZoneSnapshot: z})
}

// LinkChanged implements ad8x.Observer.
func (h *Hub) LinkChanged(ampID string, ev ad8x.LinkEvent) {
	h.publish(ChannelAmpLink, LinkEventPayload{Amp: ampID, LinkEvent: ev})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// publish delivers an event to the peers listening on channel. A peer whose
// queue is full misses it.
func (h *Hub) publish(channel string, payload any) {
	frame, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		if p.listens(channel) {
			enqueue(p, frame)
		}
	}
}

// reply queues a frame for one peer if it is still registered.
func (h *Hub) reply(p *wsPeer, msg WSMessage) {
	frame, err := encodeFrame(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.peers[p]; ok {
		enqueue(p, frame)
	}
}

func (h *Hub) add(p *wsPeer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(p *wsPeer) {
	h.mu.Lock()
	h.dropLocked(p)
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) dropLocked(p *wsPeer) {
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.queue)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &wsPeer{conn: conn, queue: make(chan []byte, wsQueueSize)}
	s.hub.add(p)

	go s.hub.writeLoop(p)
	go s.hub.readLoop(p)
}

// readLoop handles client frames until the connection fails, then removes
// the peer.
func (h *Hub) readLoop(p *wsPeer) {
	defer func() {
		h.remove(p)
		p.conn.Close()
	}()

	ping, wait := h.timings()
	idle := ping + wait
	if h.cfg.MaxMessageSize > 0 {
		p.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	}
	extend := func(string) error { return p.conn.SetReadDeadline(time.Now().Add(idle)) }
	_ = extend("") //nolint:errcheck // a failed deadline surfaces on the next read
	p.conn.SetPongHandler(extend)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = extend("") //nolint:errcheck // as above
		h.handleFrame(p, data)
	}
}

// writeLoop drains the peer's queue and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (h *Hub) writeLoop(p *wsPeer) {
	ping, wait := h.timings()
	keepalive := time.NewTicker(ping)
	defer func() {
		keepalive.Stop()
		p.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		if err := p.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
			return err
		}
		return p.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, open := <-p.queue:
			if !open {
				_ = write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, frame) != nil {
				return
			}
		case <-keepalive.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (h *Hub) handleFrame(p *wsPeer, data []byte) {
	var in struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(p, errorFrame("", "invalid JSON message"))
		return
	}

	switch in.Type {
	case WSTypeSubscribe:
		p.subscribe(in.Payload.Channels)
		h.reply(p, WSMessage{Type: WSTypeResponse, ID: in.ID, Payload: map[string]any{"subscribed": in.Payload.Channels}})
	case WSTypeUnsubscribe:
		p.unsubscribe(in.Payload.Channels)
		h.reply(p, WSMessage{Type: WSTypeResponse, ID: in.ID, Payload: map[string]any{"unsubscribed": in.Payload.Channels}})
	case WSTypePing:
		h.reply(p, WSMessage{Type: WSTypePong, ID: in.ID})
	default:
		h.reply(p, errorFrame(in.ID, "unknown message type: "+in.Type))
	}
}

// timings returns the ping interval and the write/pong allowance.
func (h *Hub) timings() (ping, wait time.Duration) {
	ping = time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultWSPingInterval
	}
	wait = time.Duration(h.cfg.PongTimeout) * time.Second
	if wait <= 0 {
		wait = defaultWSWriteWait
	}
	return ping, wait
}

func (p *wsPeer) listens(channel string) bool {
	p.filterMu.RLock()
	defer p.filterMu.RUnlock()
	return p.filter == nil || p.filter[channel]
}

// subscribe narrows a peer that still hears everything to the named channels.
func (p *wsPeer) subscribe(channels []string) {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	if p.filter == nil {
		p.filter = make(map[string]bool, len(channels))
	}
	for _, ch := range channels {
		p.filter[ch] = true
	}
}

func (p *wsPeer) unsubscribe(channels []string) {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	if p.filter == nil {
		p.filter = make(map[string]bool)
	}
	for _, ch := range channels {
		delete(p.filter, ch)
	}
}

// enqueue must be called with the hub lock held so the queue cannot be
// closed underneath it.
func enqueue(p *wsPeer, frame []byte) {
	select {
	case p.queue <- frame:
	default:
	}
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(msg)
}

func errorFrame(id, message string) WSMessage {
	return WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}}
}
