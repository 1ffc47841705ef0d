package listener

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/protocol"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/stats"
	mqtt "github.com/nilsen/cindermq/internal/wire/mqtt"
	"github.com/nilsen/cindermq/pkg/er"
)

func touch(c *session.Client) { c.Touch(time.Now().Unix()) }

// TCPListener accepts MQTT connections over plain TCP. Grounded in the
// teacher's internal/transport.TCPServer accept/handleConnection loop,
// generalized to hand parsed packets to a protocol.MQTTDispatcher
// instead of inlining broker logic in the transport layer.
type TCPListener struct {
	Addr           string
	Dispatcher     *protocol.MQTTDispatcher
	Log            *logger.Logger
	MaxConnections int
	Mount          string
	ConnectTimeout time.Duration
	Stats          *stats.Counters

	ln          net.Listener
	shuttingDown atomic.Bool
	guard       connGuard
}

func (l *TCPListener) MountPoint() string { return l.Mount }

// Serve blocks accepting connections until Close is called.
func (l *TCPListener) Serve() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return &er.Err{Context: "listener.TCPListener.Serve", Message: err}
	}
	l.ln = ln
	l.guard.max = l.MaxConnections
	if l.guard.max == 0 {
		l.guard.max = 1000
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.shuttingDown.Load() {
				return nil
			}
			continue
		}
		go l.handle(conn)
	}
}

func (l *TCPListener) Close() error {
	l.shuttingDown.Store(true)
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *TCPListener) handle(conn net.Conn) {
	defer conn.Close()

	if !l.guard.tryAcquire() {
		ack := mqtt.NewConnack(false, mqtt.ServerUnavailable)
		conn.Write(ack.Encode())
		return
	}
	defer l.guard.release()

	reader := bufio.NewReader(conn)
	remoteAddr := conn.RemoteAddr().String()

	timeout := l.ConnectTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	frame, err := readFrame(reader)
	if err != nil {
		return
	}
	parsed, err := mqtt.Parse(frame)
	if err != nil || parsed.Type != mqtt.CONNECT {
		ack := mqtt.NewConnack(false, mqtt.ServerUnavailable)
		conn.Write(ack.Encode())
		return
	}
	conn.SetReadDeadline(time.Time{})

	client, err := l.Dispatcher.HandleConnect(conn, remoteAddr, parsed.Connect)
	if err != nil || client == nil {
		return
	}
	client.MountPoint = l.Mount
	touch(client)

	done := make(chan struct{})
	go l.writer(conn, client, done)
	defer close(done)

	for {
		frame, err := readFrame(reader)
		if err != nil {
			l.Dispatcher.CloseSession(client, true)
			return
		}
		if l.Stats != nil {
			l.Stats.Received(len(frame))
		}
		parsed, err := mqtt.Parse(frame)
		if err != nil {
			l.Dispatcher.CloseSession(client, true)
			return
		}
		touch(client)
		client.BeginDispatch()
		shouldClose := l.dispatch(client, parsed)
		client.EndDispatch()
		if shouldClose {
			l.Dispatcher.CloseSession(client, false)
			return
		}
	}
}

// dispatch routes one parsed packet to the matching handler, returning
// true if the connection should be torn down (DISCONNECT received).
func (l *TCPListener) dispatch(c *session.Client, parsed *mqtt.ParsedPacket) bool {
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

func (l *TCPListener) writer(conn net.Conn, c *session.Client, done chan struct{}) {
	for {
		select {
		case frame := <-c.Outbox:
			if _, err := conn.Write(frame); err != nil {
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

// readFrame reads one MQTT frame: fixed header byte, 1-4 byte
// remaining-length, then that many payload bytes.
func readFrame(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var rl []byte
	length, multiplier := 0, 1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rl = append(rl, b)
		length += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
		if len(rl) >= 4 {
			return nil, &er.Err{Context: "listener.readFrame", Message: er.ErrRemainingLengthExceeded}
		}
	}

	frame := make([]byte, 1+len(rl)+length)
	frame[0] = first
	copy(frame[1:], rl)
	if _, err := io.ReadFull(r, frame[1+len(rl):]); err != nil {
		return nil, err
	}
	return frame, nil
}
