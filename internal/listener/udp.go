package listener

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/protocol"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/stats"
	"github.com/nilsen/cindermq/internal/wire/mqttsn"
)

// udpConn is the per-remote-address pseudo-connection MQTT-SN clients
// get instead of a real socket: UDP has no connection state of its own,
// so each datagram source address is treated as one client's "Conn"
// and Write fans back out through the shared listener socket.
type udpConn struct {
	ln     *net.UDPConn
	remote *net.UDPAddr
}

func (c *udpConn) Write(b []byte) (int, error) { return c.ln.WriteToUDP(b, c.remote) }
func (c *udpConn) Close() error                { return nil }
func (c *udpConn) RemoteAddr() net.Addr        { return c.remote }

// UDPListener accepts MQTT-SN datagrams. There is no teacher transport
// to ground this on; it follows the same accept/dispatch/writer shape
// as TCPListener, adapted for a single shared socket multiplexed by
// remote address instead of one socket per connection.
type UDPListener struct {
	Addr       string
	Dispatcher *protocol.SNDispatcher
	Log        *logger.Logger
	Mount      string
	Stats      *stats.Counters

	conn         *net.UDPConn
	shuttingDown atomic.Bool

	mu      sync.Mutex
	clients map[string]*session.Client
}

func (l *UDPListener) MountPoint() string { return l.Mount }

func (l *UDPListener) Serve() error {
	addr, err := net.ResolveUDPAddr("udp", l.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.conn = conn
	l.clients = make(map[string]*session.Client)

	buf := make([]byte, 1500)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if l.shuttingDown.Load() {
				return nil
			}
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		if l.Stats != nil {
			l.Stats.Received(n)
		}
		l.handleDatagram(remote, frame)
	}
}

func (l *UDPListener) Close() error {
	l.shuttingDown.Store(true)
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *UDPListener) clientFor(remote *net.UDPAddr) (*session.Client, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[remote.String()]
	return c, ok
}

func (l *UDPListener) bind(remote *net.UDPAddr, c *session.Client) {
	l.mu.Lock()
	l.clients[remote.String()] = c
	l.mu.Unlock()
}

func (l *UDPListener) handleDatagram(remote *net.UDPAddr, frame []byte) {
	parsed, err := mqttsn.Decode(frame)
	if err != nil {
		// A forwarder-encapsulation frame wraps a normal MQTT-SN frame
		// behind a ctrl byte and wireless-node id; unwrap and handle
		// the inner frame as though the forwarder's address sent it.
		if fwd, ferr := mqttsn.DecodeForwarder(frame); ferr == nil {
			l.handleDatagram(remote, fwd.Encapsulated)
		}
		return
	}

	d := l.Dispatcher
	pseudoConn := &udpConn{ln: l.conn, remote: remote}

	if parsed.Type == mqttsn.SEARCHGW {
		// Gateway discovery needs no session; answer directly.
		gw := &mqttsn.GwInfoPacket{GwID: 1}
		l.conn.WriteToUDP(gw.Encode(), remote)
		return
	}

	if parsed.Type == mqttsn.CONNECT {
		client, err := d.HandleConnect(pseudoConn, remote.String(), parsed.Connect)
		if err == nil && client != nil {
			client.MountPoint = l.Mount
			client.Touch(time.Now().Unix())
			l.bind(remote, client)
			go l.drain(remote, client)
		}
		return
	}

	client, ok := l.clientFor(remote)
	if !ok {
		return
	}
	client.Touch(time.Now().Unix())

	if parsed.Type == mqttsn.DISCONNECT {
		d.CloseSession(client, false)
		l.mu.Lock()
		delete(l.clients, remote.String())
		l.mu.Unlock()
		return
	}

	client.BeginDispatch()
	switch parsed.Type {
	case mqttsn.WILLTOPIC:
		d.HandleWillTopic(client, parsed.Willtopic)
	case mqttsn.WILLMSG:
		d.HandleWillMsg(client, parsed.Willmsg)
	case mqttsn.REGISTER:
		d.HandleRegister(client, parsed.Register)
	case mqttsn.REGACK:
		d.HandleRegack(client, parsed.Regack)
	case mqttsn.PUBLISH:
		d.HandlePublish(client, parsed.Publish)
	case mqttsn.PUBACK:
		d.HandlePuback(client, parsed.Puback)
	case mqttsn.PUBREC:
		d.HandlePubrec(client, parsed.Pubrec.MsgID)
	case mqttsn.PUBREL:
		d.HandlePubrel(client, parsed.Pubrel.MsgID)
	case mqttsn.PUBCOMP:
		d.HandlePubcomp(client, parsed.Pubcomp.MsgID)
	case mqttsn.SUBSCRIBE:
		d.HandleSubscribe(client, parsed.Subscribe)
	case mqttsn.UNSUBSCRIBE:
		d.HandleUnsubscribe(client, parsed.Unsubscribe)
	case mqttsn.PINGREQ:
		d.HandlePingreq(client)
	case mqttsn.WILLTOPICUPD:
		d.HandleWillTopicUpd(client, parsed.Willtopicupd)
	case mqttsn.WILLMSGUPD:
		d.HandleWillMsgUpd(client, parsed.Willmsgupd)
	}
	client.EndDispatch()
}

// drain forwards a client's outbox to its UDP pseudo-connection until
// the session is freed; MQTT-SN has no persistent socket to hang a
// writer goroutine off, so this polls the outbox directly.
func (l *UDPListener) drain(remote *net.UDPAddr, c *session.Client) {
	for frame := range c.Outbox {
		n, err := l.conn.WriteToUDP(frame, remote)
		if err == nil && l.Stats != nil {
			l.Stats.Sent(n)
		}
	}
}
