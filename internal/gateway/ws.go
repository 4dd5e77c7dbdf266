// ABOUTME: Operator WebSocket channel: snapshot on connect, live event stream, inbound commands
// ABOUTME: One writer goroutine per connection owns every write, including pings and command replies

package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = wsPongWait * 9 / 10

	// Directives may carry base64 images.
	wsMaxMessageBytes = 32 << 20

	wsReplyBuffer = 16
)

// wsConn is one operator connection.
type wsConn struct {
	conn     *websocket.Conn
	replies  chan events.Event
	done     chan struct{}
	stopOnce sync.Once
}

func (c *wsConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// reply queues a per-connection event. It never blocks the read loop.
func (c *wsConn) reply(evt events.Event) bool {
	select {
	case c.replies <- evt:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	allowed := g.config.Server.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowed)
		},
	}
}

// handleWebSocket serves the operator channel.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	state, sub, subID := g.registry.Subscribe(ctx)
	defer g.registry.Unsubscribe(subID)

	c := &wsConn{
		conn:    conn,
		replies: make(chan events.Event, wsReplyBuffer),
		done:    make(chan struct{}),
	}
	defer c.stop()

	logger := g.logger.With("remote_addr", r.RemoteAddr)
	logger.Info("operator connected")
	defer logger.Info("operator disconnected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer c.stop()
		// Unblocks the read loop when the writer gives up first.
		defer conn.Close()
		g.writeLoop(c, registry.SnapshotEvents(state), sub)
	}()

	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		env, res := g.dispatch(ctx, data)
		if res.err != nil {
			logger.Warn("command failed", "type", env.Type, "request_id", env.RequestID, "error", res.err)
			if !c.reply(commandError(env, res.err)) {
				logger.Warn("dropped command_error for slow connection", "type", env.Type)
			}
			continue
		}
		for _, evt := range res.replies {
			if !c.reply(evt) {
				logger.Warn("dropped reply for slow connection", "type", evt.Type)
				break
			}
		}
	}

	c.stop()
	<-writerDone
}

// writeLoop is the connection's only writer. It sends the snapshot first,
// then interleaves broadcast events, command replies, and pings.
func (g *Gateway) writeLoop(c *wsConn, snapshot []events.Event, sub <-chan events.Event) {
	write := func(evt events.Event) bool {
		if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return false
		}
		return c.conn.WriteJSON(evt) == nil
	}

	for _, evt := range snapshot {
		if !write(evt) {
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				g.closeConn(c.conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if !write(evt) {
				return
			}
		case evt := <-c.replies:
			if !write(evt) {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			g.closeConn(c.conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (g *Gateway) closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// isOriginAllowed accepts requests without an Origin header, origins listed
// in allowed (full origin or bare host), and otherwise same-host origins.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(originHost, a) {
				return true
			}
		}
		return false
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(originHost, host)
}
