package websocketTransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20
)

var schemeOrigins = map[string]string{
	"ws":  "http",
	"wss": "https",
}

// WebsocketEndpoint carries envelopes over one WebSocket connection. The peer
// origin is fixed when the connection is established: the dialed URL on the
// host side, the Origin header on the remote side.
type WebsocketEndpoint struct {
	conn         *websocket.Conn
	peerOrigin   string
	targetOrigin string
	logger       *zap.Logger

	writeMu   sync.Mutex
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Endpoint = (*WebsocketEndpoint)(nil)

// Dial connects to a remote context served at rawURL. selfOrigin is sent as
// the Origin header so the remote can apply its own policy.
func Dial(ctx context.Context, rawURL, selfOrigin string, logger *zap.Logger) (*WebsocketEndpoint, error) {
	peer, err := peerOriginFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Origin", selfOrigin)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", rawURL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}

	logger.Sugar().Debugw("Dialed websocket remote", "url", rawURL, "peer_origin", peer)
	return newEndpoint(conn, peer, logger), nil
}

func peerOriginFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	if scheme, ok := schemeOrigins[u.Scheme]; ok {
		u.Scheme = scheme
	}
	return origin.ComputeExpectedOrigin(u.String())
}

func newEndpoint(conn *websocket.Conn, peerOrigin string, logger *zap.Logger) *WebsocketEndpoint {
	conn.SetReadLimit(maxMessageSize)
	return &WebsocketEndpoint{
		conn:         conn,
		peerOrigin:   peerOrigin,
		targetOrigin: peerOrigin,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (e *WebsocketEndpoint) TargetOrigin() string { return e.targetOrigin }

func (e *WebsocketEndpoint) Post(ctx context.Context, data []byte) error {
	select {
	case <-e.done:
		return transport.ErrEndpointClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(deadline)
	if err := e.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || isClosed(e.done) {
			return transport.ErrEndpointClosed
		}
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

func (e *WebsocketEndpoint) Start(deliver func(types.Message)) error {
	e.writeMu.Lock()
	if e.started {
		e.writeMu.Unlock()
		return fmt.Errorf("endpoint already started")
	}
	e.started = true
	e.writeMu.Unlock()

	_ = e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go e.readLoop(deliver)
	go e.pingLoop()
	return nil
}

func (e *WebsocketEndpoint) readLoop(deliver func(types.Message)) {
	defer e.Close()
	for {
		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !isClosed(e.done) {
				e.logger.Sugar().Warnw("Websocket read error", "peer_origin", e.peerOrigin, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		deliver(types.Message{Origin: e.peerOrigin, Data: data})
	}
}

func (e *WebsocketEndpoint) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			e.writeMu.Unlock()
			if err != nil {
				e.logger.Sugar().Debugw("Websocket ping failed", "peer_origin", e.peerOrigin, "error", err)
				_ = e.Close()
				return
			}
		}
	}
}

// LoadErrors is nil: a failed dial is returned from Dial directly.
func (e *WebsocketEndpoint) LoadErrors() <-chan error { return nil }

func (e *WebsocketEndpoint) Done() <-chan struct{} { return e.done }

func (e *WebsocketEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		e.writeMu.Unlock()
		err = e.conn.Close()
	})
	return err
}

func isClosed(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Handler upgrades connections from allowed origins and hands each one to
// accept. The request goroutine is held until the endpoint is released.
type Handler struct {
	policy   *origin.Policy
	accept   func(r *http.Request, ep *WebsocketEndpoint)
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(policy *origin.Policy, accept func(r *http.Request, ep *WebsocketEndpoint), logger *zap.Logger) (*Handler, error) {
	if policy == nil {
		return nil, fmt.Errorf("origin policy is required")
	}
	if accept == nil {
		return nil, fmt.Errorf("accept callback is required")
	}
	h := &Handler{policy: policy, accept: accept, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return policy.Allows(r.Header.Get("Origin"))
		},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestOrigin := r.Header.Get("Origin")
	if !h.policy.Allows(requestOrigin) {
		h.logger.Sugar().Debugw("Rejecting websocket upgrade from unexpected origin", "origin", requestOrigin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Sugar().Warnw("Websocket upgrade failed", "origin", requestOrigin, "error", err)
		return
	}

	peer, err := origin.ComputeExpectedOrigin(requestOrigin)
	if err != nil {
		_ = conn.Close()
		return
	}

	ep := newEndpoint(conn, peer, h.logger)
	h.logger.Sugar().Infow("Websocket peer connected", "peer_origin", peer, "remote_addr", r.RemoteAddr)
	h.accept(r, ep)
	<-ep.Done()
	h.logger.Sugar().Infow("Websocket peer disconnected", "peer_origin", peer)
}
