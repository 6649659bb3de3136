// Package agw is a client for the AGWPE host protocol, the TCP control
// protocol spoken by AX.25 packet engines such as Direwolf, AGWPE and
// QtSoundModem.
//
// A Client owns one TCP connection to the host and multiplexes
// request/response operations and any number of virtual circuits over it.
package agw

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultAddr is where an AGW host usually listens.
const DefaultAddr = "127.0.0.1:8010"

// DefaultConnectTimeout bounds how long Connect waits for the host's
// connected reply.
const DefaultConnectTimeout = 10 * time.Second

// overflowWarnLimit is the queue depth past which the engine complains.
// The queue itself is unbounded; it only grows when a caller never drains
// a circuit, or when nobody subscribes to monitoring frames.
const overflowWarnLimit = 10

// outboundQueueLen is the send-side buffer, in frames. Producers block
// when it is full.
const outboundQueueLen = 64

type inbound struct {
	h Header
	p Packet
}

// Client is an open connection to an AGW host.
//
// All methods are safe for concurrent use. Blocking calls that wait for a
// reply (Version, PortInfo, PortCap, Connect, circuit reads) share one
// inbound stream: frames not claimed by the caller at hand are parked on
// an overflow queue that every later call consults first.
type Client struct {
	// ConnectTimeout bounds Connect. Set it before the first Connect
	// call; the default is DefaultConnectTimeout.
	ConnectTimeout time.Duration

	conn net.Conn
	out  chan []byte
	quit chan struct{}

	router Router

	mu       sync.Mutex
	cond     *sync.Cond
	overflow *list.List
	closed   bool
	closeErr error
	circuits int
	pending  map[circuitKey]int
}

// circuitKey is a connect request's scope, in request orientation.
type circuitKey struct {
	src Call
	dst Call
}

// Open connects to the AGW host at addr ("host:port") and starts the
// socket workers.
func Open(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to AGW host %s: %w", addr, err)
	}

	return NewClient(conn), nil
}

// NewClient wraps an already established host connection. Ownership of
// conn passes to the client.
func NewClient(conn net.Conn) *Client {
	var c = &Client{
		ConnectTimeout: DefaultConnectTimeout,
		conn:           conn,
		out:            make(chan []byte, outboundQueueLen),
		quit:           make(chan struct{}),
		overflow:       list.New(),
		pending:        make(map[circuitKey]int),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.reader()
	go c.writer()

	return c
}

// Close shuts the client down. Both socket workers exit and any blocked
// caller is released with an error.
func (c *Client) Close() error {
	c.shutdown(ErrQueueClosed)

	return nil
}

// shutdown records the first terminal error, closes the socket and wakes
// every waiter. Idempotent.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return
	}
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	close(c.quit)
	c.conn.Close() //nolint:errcheck // forces the peer worker out of its blocking I/O

	c.cond.Broadcast()
}

// Subscribe registers interest in frames the engine itself has no waiter
// for: monitoring traffic ('U', 'T', 'I', 'S', 'K', 'H', 'y', 'Y'),
// unknown kinds, and 'C' frames outside any pending Connect's scope (e.g.
// incoming-connect notifications). Matching frames are delivered to the
// subscription instead of the overflow queue. buffer is the
// subscription's channel depth.
func (c *Client) Subscribe(m Match, buffer int) *Subscription {
	return c.router.Add(m, buffer)
}

// send enqueues one ready-to-emit frame for the writer worker.
func (c *Client) send(frame []byte) error {
	select {
	case <-c.quit:
		return ErrQueueClosed
	case c.out <- frame:
		return nil
	}
}

// Sender can enqueue raw frames on the client's outbound queue without
// holding the client itself. Handles are cheap to copy and remain valid
// until the client closes.
type Sender struct {
	c *Client
}

// Send enqueues one serialized frame.
func (s Sender) Send(frame []byte) error {
	return s.c.send(frame)
}

// Sender returns an outbound handle for this client.
func (c *Client) Sender() Sender {
	return Sender{c: c}
}

// writer is the only consumer of the outbound queue. It writes each frame
// to the socket in full; enqueue order is wire order.
func (c *Client) writer() {
	for {
		select {
		case <-c.quit:
			return
		case frame := <-c.out:
			if _, err := writeFull(c.conn, frame); err != nil {
				log.Warn("TCP socket writer connected to AGWPE ended", "err", err)
				c.shutdown(fmt.Errorf("writing to AGW host: %w", err))

				return
			}
		}
	}
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	var done = 0
	for done < len(buf) {
		var n, err = w.Write(buf[done:])
		done += n
		if err != nil {
			return done, err
		}
	}

	return done, nil
}

// reader is the only producer of inbound frames. It reads exactly one
// header, then exactly the declared payload, parses, and routes.
func (c *Client) reader() {
	if err := c.readLoop(); err != nil {
		log.Warn("TCP socket reader connected to AGWPE ended", "err", err)
		c.shutdown(err)

		return
	}
	c.shutdown(ErrQueueClosed)
}

func (c *Client) readLoop() error {
	var hbuf = make([]byte, HeaderLen)
	for {
		if _, err := io.ReadFull(c.conn, hbuf); err != nil {
			return fmt.Errorf("reading frame header: %w", err)
		}

		h, err := ParseHeader(hbuf)
		if err != nil {
			return err
		}

		var payload []byte
		if h.DataLen > 0 {
			payload = make([]byte, h.DataLen)
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				return fmt.Errorf("reading %d payload bytes: %w", h.DataLen, err)
			}
		}

		p, err := ParsePacket(h, payload)
		if err != nil {
			return err
		}
		log.Debug("got frame", "desc", describe(p))

		if done := c.deliver(h, p); done {
			return nil
		}
	}
}

// monitoringKind reports frame kinds that never have a blocking waiter and
// so may be diverted to subscriptions.
func monitoringKind(kind byte) bool {
	switch kind {
	case kindUnprotoRecv, kindSentData, kindMonitorI, kindMonitorS,
		kindHeard, kindRaw, kindOutPort, kindOutConn:
		return true
	}

	return false
}

// subscribable reports frames eligible for the subscription path:
// monitoring kinds, unknown kinds, and 'C' replies that no pending
// Connect call is scoped to. A 'C' reply some Connect is waiting on must
// reach the overflow queue, not a subscriber.
func (c *Client) subscribable(h Header, p Packet) bool {
	if _, unknown := p.(Unknown); unknown || monitoringKind(h.Kind) {
		return true
	}

	if h.Kind == kindConnect {
		// The reply carries the remote as src, so the request scope is
		// the swapped pair.
		c.mu.Lock()
		defer c.mu.Unlock()

		return c.pending[circuitKey{src: h.Dst, dst: h.Src}] == 0
	}

	return false
}

// deliver routes one parsed frame: subscriptions first where eligible,
// otherwise the overflow queue that blocked callers scan. Returns
// true when the reader should stop: a Disconnect went by and no circuit
// remains to care about future frames.
func (c *Client) deliver(h Header, p Packet) bool {
	if c.subscribable(h, p) {
		if c.router.Offer(h, p) {
			return false
		}
	}

	c.mu.Lock()
	c.overflow.PushBack(inbound{h: h, p: p})
	if l := c.overflow.Len(); l > overflowWarnLimit {
		log.Warn("AGW overflow queue growing", "len", l, "limit", overflowWarnLimit)
	}
	var _, isDisconnect = p.(Disconnect)
	var done = isDisconnect && c.circuits == 0
	c.cond.Broadcast()
	c.mu.Unlock()

	if done {
		log.Debug("disconnect delivered with no circuit left, reader done")
	}

	return done
}

// waitMatch blocks until an overflow entry satisfies match, removing and
// returning the first (oldest) one. The queue is scanned head to tail
// before each wait, so entries parked by earlier calls are found first.
// A zero deadline means wait forever.
func (c *Client) waitMatch(deadline time.Time, match func(inbound) bool) (inbound, error) {
	if !deadline.IsZero() {
		var t = time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
		defer t.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for e := c.overflow.Front(); e != nil; e = e.Next() {
			var ent = e.Value.(inbound)
			if match(ent) {
				c.overflow.Remove(e)

				return ent, nil
			}
		}

		if c.closed {
			return inbound{}, c.closeErr
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return inbound{}, ErrConnectTimeout
		}

		c.cond.Wait()
	}
}

// registerCircuit tracks a live virtual circuit for reader-termination
// accounting.
func (c *Client) registerCircuit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuits++
}

func (c *Client) unregisterCircuit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuits--
}

// Version returns the AGW host's version.
func (c *Client) Version() (major, minor uint16, err error) {
	if err := c.send(VersionQuery{}.Serialize()); err != nil {
		return 0, 0, err
	}

	ent, err := c.waitMatch(time.Time{}, func(ent inbound) bool {
		var _, ok = ent.p.(VersionReply)

		return ok
	})
	if err != nil {
		return 0, 0, err
	}

	var reply = ent.p.(VersionReply)

	return reply.Major, reply.Minor, nil
}

// PortInfo returns the host's free-form description of its radio ports.
func (c *Client) PortInfo(port uint8) (string, error) {
	if err := c.send(PortInfoQuery{Port: port}.Serialize()); err != nil {
		return "", err
	}

	ent, err := c.waitMatch(time.Time{}, func(ent inbound) bool {
		var _, ok = ent.p.(PortInfoReply)

		return ok
	})
	if err != nil {
		return "", err
	}

	return ent.p.(PortInfoReply).Info, nil
}

// PortCap returns the capabilities of one host port.
func (c *Client) PortCap(port uint8) (PortCaps, error) {
	if err := c.send(PortCapQuery{Port: port}.Serialize()); err != nil {
		return PortCaps{}, err
	}

	ent, err := c.waitMatch(time.Time{}, func(ent inbound) bool {
		var _, ok = ent.p.(PortCapReply)

		return ok
	})
	if err != nil {
		return PortCaps{}, err
	}

	return ent.p.(PortCapReply).Caps, nil
}

// RegisterCallsign registers a local callsign with the host.
//
// The AGW specs say that registering the callsign is mandatory. Direwolf
// doesn't seem to care, but there it is. Fire and forget: the 'X' ack is
// not awaited, it falls into the overflow queue.
func (c *Client) RegisterCallsign(port, pid uint8, src Call) error {
	log.Debug("registering callsign", "call", src)

	return c.send(RegisterCallsign{Port: port, PID: pid, Src: src}.Serialize())
}

// Unproto sends a connectionless UI frame.
func (c *Client) Unproto(port, pid uint8, src, dst Call, data []byte) error {
	return c.send(Unproto{Port: port, PID: pid, Src: src, Dst: dst, Data: data}.Serialize())
}

// Connect establishes a virtual circuit from src to dst, optionally
// through up to seven digipeaters. It blocks until the host reports the
// circuit up, or ConnectTimeout passes.
func (c *Client) Connect(port, pid uint8, src, dst Call, via []Call) (*Connection, error) {
	if len(via) > MaxHops {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyHops, len(via), MaxHops)
	}

	var frame []byte
	if len(via) == 0 {
		frame = Connect{Port: port, PID: pid, Src: src, Dst: dst}.Serialize()
	} else {
		frame = ConnectVia{Port: port, PID: pid, Src: src, Dst: dst, Via: via}.Serialize()
	}

	// Claim the reply scope before the request can hit the wire, so the
	// reply cannot be diverted to a subscriber.
	var key = circuitKey{src: src, dst: dst}
	c.addPending(key)
	defer c.removePending(key)

	if err := c.send(frame); err != nil {
		return nil, err
	}

	// The host reports the remote station as src on the reply. Take any
	// 'C' reply in our scope: what it decodes to decides success below.
	ent, err := c.waitMatch(time.Now().Add(c.ConnectTimeout), func(ent inbound) bool {
		return ent.h.Kind == kindConnect && ent.h.Src == dst && ent.h.Dst == src
	})
	if err != nil {
		if errors.Is(err, ErrConnectTimeout) {
			return nil, fmt.Errorf("%w: no reply from %s within %v", ErrConnectTimeout, dst, c.ConnectTimeout)
		}

		return nil, err
	}

	switch reply := ent.p.(type) {
	case ConnectionEstablished:
		log.Debug("connected", "src", src, "dst", dst, "banner", reply.Banner)

		c.registerCircuit()

		return newConnection(c, port, pid, src, dst, reply.Banner), nil
	case IncomingConnect:
		return nil, fmt.Errorf("%w: got %q while connecting to %s", ErrUnexpectedBanner, reply.Banner, dst)
	default:
		return nil, fmt.Errorf("%w: got %s while connecting to %s", ErrUnexpectedBanner, describe(ent.p), dst)
	}
}

func (c *Client) addPending(key circuitKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key]++
}

func (c *Client) removePending(key circuitKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[key]--
	if c.pending[key] <= 0 {
		delete(c.pending, key)
	}
}
