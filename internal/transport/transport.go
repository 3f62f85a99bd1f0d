// Package transport implements the point-to-point substrate the core is
// built against: persistent framed TCP connections keyed by peer address,
// feeding a single inbound channel per process. It exists because an
// asynchronous broadcast-then-block-on-inbox substrate cannot be expressed
// over synchronous request/response HTTP.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// Inbound is one message delivered off the wire, tagged with the sender's
// logical listen address (never its ephemeral TCP remote port).
type Inbound struct {
	From string
	Body []byte
}

// envelope is the sole framing wrapper. It exists to solve the mismatch
// between a TCP connection's ephemeral remote port and the peer's actual
// listen address: every frame carries the sender's own address alongside
// its payload.
type envelope struct {
	From string `codec:"from"`
	Body []byte `codec:"body"`
}

var envelopeHandle codec.MsgpackHandle

// Transport is a TCP-backed implementation of the substrate contract: a
// blocking Receive, a fire-and-forget Send, and a Flush that documents
// itself as a no-op (durability is the log's job, not the network's).
type Transport struct {
	log       hclog.Logger
	localAddr string

	listener net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn

	inbox  chan Inbound
	closed chan struct{}
}

// Listen binds localAddr and begins accepting inbound connections. The
// caller owns the returned Transport's lifetime and must call Close.
func Listen(localAddr string, log hclog.Logger) (*Transport, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", localAddr, err)
	}
	t := &Transport{
		log:       log.Named("transport"),
		localAddr: localAddr,
		listener:  ln,
		conns:     make(map[string]net.Conn),
		inbox:     make(chan Inbound, 256),
		closed:    make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Debug("accept failed", "error", err)
				return
			}
		}
		go t.readLoop(conn)
	}
}

// readLoop reads length-prefixed envelopes off conn until it errors or
// closes, delivering each decoded body to the inbox tagged with the
// envelope's declared sender address.
func (t *Transport) readLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				t.log.Debug("read frame length failed", "error", err)
			}
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.log.Debug("read frame body failed", "error", err)
			return
		}
		var env envelope
		dec := codec.NewDecoder(bytes.NewReader(buf), &envelopeHandle)
		if err := dec.Decode(&env); err != nil {
			t.log.Debug("decode envelope failed", "error", err)
			continue
		}
		select {
		case t.inbox <- Inbound{From: env.From, Body: env.Body}:
		case <-t.closed:
			return
		}
	}
}

// Send delivers body to addr, lazily dialing and caching a persistent
// connection. Dial and write failures are treated as message loss: logged
// at debug and otherwise swallowed, since retransmission is the 2PC layer's
// job, not the transport's.
func (t *Transport) Send(addr string, body []byte) {
	conn, err := t.connFor(addr)
	if err != nil {
		t.log.Debug("dial failed, dropping message", "addr", addr, "error", err)
		return
	}

	env := envelope{From: t.localAddr, Body: body}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &envelopeHandle)
	if err := enc.Encode(&env); err != nil {
		t.log.Debug("encode envelope failed", "addr", addr, "error", err)
		return
	}

	frame := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(frame[:4], uint32(buf.Len()))
	copy(frame[4:], buf.Bytes())

	if _, err := conn.Write(frame); err != nil {
		t.log.Debug("write failed, dropping connection", "addr", addr, "error", err)
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
	}
}

func (t *Transport) connFor(addr string) (net.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if existing, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[addr] = conn
	t.mu.Unlock()
	go t.readLoop(conn)
	return conn, nil
}

// Receive blocks for the next inbound message, honoring ctx cancellation.
func (t *Transport) Receive(ctx context.Context) (Inbound, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-t.closed:
		return Inbound{}, fmt.Errorf("transport: closed")
	}
}

// Flush is a documented no-op: durability of local state is the durable
// log's responsibility, not the network layer's. It exists so callers
// written against the substrate's contract compile against transports
// where a network-level flush would matter.
func (t *Transport) Flush() error {
	return nil
}

// Close shuts down the listener and every cached outbound connection.
func (t *Transport) Close() error {
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return err
}
