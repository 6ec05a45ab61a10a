package robot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when no robot is attached.
var ErrNotConnected = errors.New("robot not connected")

// Sink receives decoded inbound events.
type Sink interface {
	Deliver(ev Event)
}

const writeTimeout = 10 * time.Second

type peer struct {
	ws     *websocket.Conn
	remote string

	// coder/websocket allows one concurrent writer.
	writeMu sync.Mutex
}

func (p *peer) write(ctx context.Context, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.ws.Write(writeCtx, websocket.MessageText, data)
}

// Hub owns the robot connection and any control client connections.
// The newest robot connection replaces an older one.
type Hub struct {
	logger *zap.Logger

	mu       sync.Mutex
	sink     Sink
	robot    *peer
	controls map[*peer]struct{}
	closed   bool
}

// NewHub creates a hub delivering inbound events to sink.
func NewHub(sink Sink, logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger.Named("hub"),
		sink:     sink,
		controls: make(map[*peer]struct{}),
	}
}

// SetSink replaces the event sink.
func (h *Hub) SetSink(sink Sink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

// Connected reports whether a robot is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.robot != nil
}

// ControlClients returns the number of attached control clients.
func (h *Hub) ControlClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controls)
}

// Send writes cmd to the robot and mirrors it to every control client.
func (h *Hub) Send(ctx context.Context, cmd Command) error {
	data, err := Encode(cmd)
	if err != nil {
		return err
	}

	h.mu.Lock()
	robot := h.robot
	controls := make([]*peer, 0, len(h.controls))
	for p := range h.controls {
		controls = append(controls, p)
	}
	h.mu.Unlock()

	h.mirror(ctx, controls, data)

	if robot == nil {
		return ErrNotConnected
	}
	h.logger.Debug("out", zap.String("path", "/ws/robot"), zap.ByteString("msg", data))
	if err := robot.write(ctx, data); err != nil {
		h.drop(robot)
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	return nil
}

func (h *Hub) mirror(ctx context.Context, controls []*peer, data []byte) {
	for _, p := range controls {
		if err := p.write(ctx, data); err != nil {
			h.logger.Debug("dropping control client", zap.String("remote", p.remote), zap.Error(err))
			h.drop(p)
		}
	}
}

// HandleRobot is the /ws/robot endpoint.
func (h *Hub) HandleRobot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.accept(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	old := h.robot
	h.robot = p
	h.mu.Unlock()
	if old != nil {
		h.logger.Info("replacing robot connection", zap.String("old", old.remote))
		old.ws.CloseNow()
	}
	h.logger.Info("robot connected", zap.String("remote", p.remote))

	h.readLoop(r.Context(), p, "/ws/robot")

	h.mu.Lock()
	if h.robot == p {
		h.robot = nil
	}
	h.mu.Unlock()
	h.logger.Info("robot disconnected", zap.String("remote", p.remote))
}

// HandleControl is the /ws/control endpoint.
func (h *Hub) HandleControl(w http.ResponseWriter, r *http.Request) {
	p, ok := h.accept(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	h.controls[p] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("control client connected", zap.String("remote", p.remote))

	h.readLoop(r.Context(), p, "/ws/control")

	h.mu.Lock()
	delete(h.controls, p)
	h.mu.Unlock()
	h.logger.Info("control client disconnected", zap.String("remote", p.remote))
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request) (*peer, bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil, false
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return nil, false
	}
	return &peer{ws: ws, remote: r.RemoteAddr}, true
}

func (h *Hub) readLoop(ctx context.Context, p *peer, path string) {
	defer p.ws.CloseNow()
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			return
		}
		h.logger.Debug("in", zap.String("path", path), zap.ByteString("msg", data))

		ev, err := DecodeEvent(data)
		if err != nil {
			h.logger.Debug("ignoring message", zap.String("path", path), zap.Error(err))
			continue
		}

		h.mu.Lock()
		sink := h.sink
		h.mu.Unlock()
		if sink != nil {
			sink.Deliver(ev)
		}
	}
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	if h.robot == p {
		h.robot = nil
	}
	delete(h.controls, p)
	h.mu.Unlock()
	p.ws.CloseNow()
}

// Close disconnects every peer and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.controls)+1)
	if h.robot != nil {
		peers = append(peers, h.robot)
	}
	for p := range h.controls {
		peers = append(peers, p)
	}
	h.robot = nil
	h.controls = make(map[*peer]struct{})
	h.mu.Unlock()

	for _, p := range peers {
		p.ws.CloseNow()
	}
}
