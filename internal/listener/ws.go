package listener

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/protocol"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/stats"
	mqtt "github.com/nilsen/cindermq/internal/wire/mqtt"
)

// wsConn adapts a gorilla/websocket connection to session.Conn, writing
// each frame as its own binary message rather than a byte stream —
// MQTT's framing is self-delimiting either way, so this costs nothing
// and saves WSListener from running its own buffered reader.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}
func (c *wsConn) Close() error         { return c.ws.Close() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// WSListener accepts MQTT-over-WebSocket connections. Grounded in the
// rest of the pack's use of gorilla/websocket for its own transport;
// the teacher itself never exposed a WebSocket listener, so this
// mirrors TCPListener's connect/dispatch/writer shape one level up
// from the raw byte stream.
type WSListener struct {
	Addr           string
	Path           string
	Dispatcher     *protocol.MQTTDispatcher
	Log            *logger.Logger
	MaxConnections int
	Mount          string
	ConnectTimeout time.Duration
	Stats          *stats.Counters

	upgrader websocket.Upgrader
	srv      *http.Server
	guard    connGuard
	closed   atomic.Bool
}

func (l *WSListener) MountPoint() string { return l.Mount }

func (l *WSListener) Serve() error {
	l.guard.max = l.MaxConnections
	if l.guard.max == 0 {
		l.guard.max = 1000
	}
	l.upgrader = websocket.Upgrader{
		Subprotocols:    []string{"mqtt"},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.Path, l.handleUpgrade)
	l.srv = &http.Server{Addr: l.Addr, Handler: mux}

	err := l.srv.ListenAndServe()
	if l.closed.Load() {
		return nil
	}
	return err
}

func (l *WSListener) Close() error {
	l.closed.Store(true)
	if l.srv != nil {
		return l.srv.Close()
	}
	return nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go l.handle(ws)
}

func (l *WSListener) handle(ws *websocket.Conn) {
	defer ws.Close()

	if !l.guard.tryAcquire() {
		ack := mqtt.NewConnack(false, mqtt.ServerUnavailable)
		ws.WriteMessage(websocket.BinaryMessage, ack.Encode())
		return
	}
	defer l.guard.release()

	timeout := l.ConnectTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ws.SetReadDeadline(time.Now().Add(timeout))

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	parsed, err := mqtt.Parse(raw)
	if err != nil || parsed.Type != mqtt.CONNECT {
		ack := mqtt.NewConnack(false, mqtt.ServerUnavailable)
		ws.WriteMessage(websocket.BinaryMessage, ack.Encode())
		return
	}
	ws.SetReadDeadline(time.Time{})

	conn := &wsConn{ws: ws}
	client, err := l.Dispatcher.HandleConnect(conn, ws.RemoteAddr().String(), parsed.Connect)
	if err != nil || client == nil {
		return
	}
	client.MountPoint = l.Mount
	client.Touch(time.Now().Unix())

	done := make(chan struct{})
	go l.writer(ws, client, done)
	defer close(done)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			l.Dispatcher.CloseSession(client, true)
			return
		}
		if l.Stats != nil {
			l.Stats.Received(len(raw))
		}
		parsed, err := mqtt.Parse(raw)
		if err != nil {
			l.Dispatcher.CloseSession(client, true)
			return
		}
		client.Touch(time.Now().Unix())
		client.BeginDispatch()
		shouldClose := l.dispatch(client, parsed)
		client.EndDispatch()
		if shouldClose {
			l.Dispatcher.CloseSession(client, false)
			return
		}
	}
}

func (l *WSListener) dispatch(c *session.Client, parsed *mqtt.ParsedPacket) bool {
	d := l.Dispatcher
	switch parsed.Type {
	case mqtt.PUBLISH:
		d.HandlePublish(c, parsed.Publish)
	case mqtt.PUBACK:
		d.HandlePuback(c, parsed.Puback.PacketID)
	case mqtt.PUBREC:
		d.HandlePubrec(c, parsed.Pubrec.PacketID)
	case mqtt.PUBREL:
		d.HandlePubrel(c, parsed.Pubrel.PacketID)
	case mqtt.PUBCOMP:
		d.HandlePubcomp(c, parsed.Pubcomp.PacketID)
	case mqtt.SUBSCRIBE:
		d.HandleSubscribe(c, parsed.Subscribe)
	case mqtt.UNSUBSCRIBE:
		d.HandleUnsubscribe(c, parsed.Unsubscribe)
	case mqtt.PINGREQ:
		d.HandlePingreq(c)
	case mqtt.DISCONNECT:
		return true
	}
	return false
}

func (l *WSListener) writer(ws *websocket.Conn, c *session.Client, done chan struct{}) {
	for {
		select {
		case frame := <-c.Outbox:
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			if l.Stats != nil {
				l.Stats.Sent(len(frame))
			}
		case <-done:
			return
		}
	}
}
