package agw

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/charmbracelet/log"
	"github.com/rs/xid"
)

// ProxyFunc inspects or rewrites one frame in flight. Returning an error
// ends the proxy session cleanly.
type ProxyFunc func(Packet) (Packet, error)

// PassThrough relays frames unchanged.
func PassThrough(p Packet) (Packet, error) { return p, nil }

// Proxy sits between an AGW client and a real AGW host, parsing every
// frame in both directions and handing it to a callback before relaying.
type Proxy struct {
	// OnFromServer and OnFromClient transform frames heading down and up
	// respectively. Both default to PassThrough. Set them before Run.
	OnFromServer ProxyFunc
	OnFromClient ProxyFunc

	id   string
	up   *framePump
	down *framePump
}

// NewProxy connects to the real host at upstreamAddr and wraps the
// intercepted client connection down.
func NewProxy(upstreamAddr string, down net.Conn) (*Proxy, error) {
	var upConn, err = net.Dial("tcp", upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream AGW host %s: %w", upstreamAddr, err)
	}

	var id = xid.New().String()

	return &Proxy{
		OnFromServer: PassThrough,
		OnFromClient: PassThrough,
		id:           id,
		up:           newFramePump(id+"/up", upConn),
		down:         newFramePump(id+"/down", down),
	}, nil
}

// Run relays frames until either side goes away or a callback errors.
// Both sockets are closed on return.
func (p *Proxy) Run() error {
	defer p.up.close()
	defer p.down.close()

	log.Debug("proxy session running", "id", p.id)

	for {
		select {
		case packet, ok := <-p.up.rx:
			if !ok {
				return p.up.err()
			}
			var out, err = p.OnFromServer(packet)
			if err != nil {
				return fmt.Errorf("from-server callback: %w", err)
			}
			if sendErr := p.down.send(out); sendErr != nil {
				return sendErr
			}

		case packet, ok := <-p.down.rx:
			if !ok {
				return p.down.err()
			}
			var out, err = p.OnFromClient(packet)
			if err != nil {
				return fmt.Errorf("from-client callback: %w", err)
			}
			if sendErr := p.up.send(out); sendErr != nil {
				return sendErr
			}
		}
	}
}

// framePump owns one socket of the proxy: a reader goroutine parsing
// frames onto rx, a writer goroutine draining tx onto the wire.
type framePump struct {
	name string
	conn net.Conn
	rx   chan Packet
	tx   chan Packet
	quit chan struct{}

	readErr error
}

func newFramePump(name string, conn net.Conn) *framePump {
	var fp = &framePump{
		name: name,
		conn: conn,
		rx:   make(chan Packet, 16),
		tx:   make(chan Packet, 16),
		quit: make(chan struct{}),
	}

	go fp.readLoop()
	go fp.writeLoop()

	return fp
}

func (fp *framePump) readLoop() {
	defer close(fp.rx)

	var hbuf = make([]byte, HeaderLen)
	for {
		if _, err := io.ReadFull(fp.conn, hbuf); err != nil {
			fp.readErr = err

			return
		}

		var h, err = ParseHeader(hbuf)
		if err != nil {
			fp.readErr = err

			return
		}

		var payload []byte
		if h.DataLen > 0 {
			payload = make([]byte, h.DataLen)
			if _, err := io.ReadFull(fp.conn, payload); err != nil {
				fp.readErr = err

				return
			}
		}

		packet, err := ParsePacket(h, payload)
		if err != nil && len(payload) == 0 {
			// Client requests are bare headers ('R', 'g', 'X', 'C' and
			// the like) that do not parse as host replies. Relay them
			// untouched.
			packet, err = Unknown{Hdr: h}, nil
		}
		if err != nil {
			fp.readErr = err

			return
		}
		log.Debug("proxy frame", "pump", fp.name, "desc", describe(packet))

		select {
		case fp.rx <- packet:
		case <-fp.quit:
			return
		}
	}
}

func (fp *framePump) writeLoop() {
	for {
		select {
		case <-fp.quit:
			return
		case packet := <-fp.tx:
			if _, err := writeFull(fp.conn, packet.Serialize()); err != nil {
				log.Warn("proxy write failed", "pump", fp.name, "err", err)
				fp.conn.Close() //nolint:errcheck

				return
			}
		}
	}
}

func (fp *framePump) send(p Packet) error {
	select {
	case fp.tx <- p:
		return nil
	case <-fp.quit:
		return fmt.Errorf("proxy pump %s closed", fp.name)
	}
}

func (fp *framePump) err() error {
	if fp.readErr == nil || errors.Is(fp.readErr, io.EOF) {
		return nil
	}

	return fmt.Errorf("proxy pump %s: %w", fp.name, fp.readErr)
}

func (fp *framePump) close() {
	select {
	case <-fp.quit:
	default:
		close(fp.quit)
	}
	fp.conn.Close() //nolint:errcheck
}
