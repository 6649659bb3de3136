package agw

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// circuitState tracks the virtual-circuit lifecycle. A failed connect
// never produces a Connection, so a live circuit is either connected or
// closed; closed is terminal.
type circuitState int

const (
	stateConnected circuitState = iota
	stateClosed
)

// Connection is an established AX.25 virtual circuit, created with
// Client.Connect.
//
// Close (or Disconnect) must be called when done with it; a circuit left
// to the garbage collector never tells the host to drop the radio link.
type Connection struct {
	c    *Client
	port uint8
	pid  uint8
	src  Call
	dst  Call

	connectString string

	mu           sync.Mutex
	state        circuitState
	remoteClosed bool
}

func newConnection(c *Client, port, pid uint8, src, dst Call, connectString string) *Connection {
	return &Connection{
		c:             c,
		port:          port,
		pid:           pid,
		src:           src,
		dst:           dst,
		connectString: connectString,
		state:         stateConnected,
	}
}

// ConnectString returns the banner the host sent when the circuit came up,
// e.g. "*** CONNECTED With Station M0THC-2".
func (cn *Connection) ConnectString() string {
	return cn.connectString
}

// Read blocks until the next data frame for this circuit and returns its
// payload. Once the remote end disconnects, Read returns
// ErrRemoteDisconnected, on that call and every call after it.
func (cn *Connection) Read() ([]byte, error) {
	cn.mu.Lock()
	if cn.remoteClosed {
		cn.mu.Unlock()

		return nil, ErrRemoteDisconnected
	}
	if cn.state == stateClosed {
		cn.mu.Unlock()

		return nil, fmt.Errorf("reading from disconnected circuit %s>%s: %w", cn.src, cn.dst, ErrQueueClosed)
	}
	cn.mu.Unlock()

	// The host reports the remote as src on inbound circuit frames.
	var ent, err = cn.c.waitMatch(time.Time{}, func(ent inbound) bool {
		if ent.h.Src != cn.dst || ent.h.Dst != cn.src {
			return false
		}
		switch ent.p.(type) {
		case Data, Disconnect:
			return true
		}

		return false
	})
	if err != nil {
		return nil, err
	}

	switch p := ent.p.(type) {
	case Data:
		return p.Data, nil
	case Disconnect:
		cn.markRemoteClosed()

		return nil, ErrRemoteDisconnected
	default:
		// Unreachable: the matcher only accepts the two cases above.
		return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedFrame, ent.p)
	}
}

func (cn *Connection) markRemoteClosed() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.state != stateClosed {
		cn.state = stateClosed
		cn.c.unregisterCircuit()
	}
	cn.remoteClosed = true
}

// Write sends data on the circuit as one 'D' frame. There is no
// fragmentation at this layer: the host's maximum accepted payload
// (typically 2048 bytes or less) is the caller's problem. Zero-length
// writes are no-ops.
func (cn *Connection) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	cn.mu.Lock()
	var closed = cn.state == stateClosed
	cn.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("writing to closed circuit %s>%s: %w", cn.src, cn.dst, ErrRemoteDisconnected)
	}

	var frame = Data{Port: cn.port, PID: cn.pid, Src: cn.src, Dst: cn.dst, Data: data}.Serialize()
	if err := cn.c.send(frame); err != nil {
		return 0, err
	}

	return len(data), nil
}

// Disconnect terminates the circuit. Idempotent: the 'd' frame is emitted
// exactly once, and only if the remote end hasn't already torn the circuit
// down.
func (cn *Connection) Disconnect() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.state == stateClosed {
		return nil
	}
	cn.state = stateClosed
	cn.c.unregisterCircuit()

	log.Debug("disconnecting", "src", cn.src, "dst", cn.dst)

	return cn.c.send(Disconnect{Port: cn.port, PID: cn.pid, Src: cn.src, Dst: cn.dst}.Serialize())
}

// Close implements io.Closer. A disconnect failure is logged, not
// propagated, so it is safe to defer.
func (cn *Connection) Close() error {
	if err := cn.Disconnect(); err != nil {
		log.Warn("disconnect on close errored", "err", err)
	}

	return nil
}

// MakeWriter returns a Writer with all the metadata needed to build data
// frames for this circuit without holding the circuit itself. See
// cmd/agwterm for how this splits frame production onto another goroutine.
func (cn *Connection) MakeWriter() Writer {
	return Writer{port: cn.port, pid: cn.pid, src: cn.src, dst: cn.dst}
}

// Sender returns a handle on the client's outbound queue, for pairing with
// a Writer.
func (cn *Connection) Sender() Sender {
	return cn.c.Sender()
}

// Writer builds serialized frames for one circuit. It holds no reference
// to the circuit or client, so it never blocks and can outlive both.
type Writer struct {
	port uint8
	pid  uint8
	src  Call
	dst  Call
}

// Data returns the wire form of one 'D' frame carrying data.
func (w Writer) Data(data []byte) []byte {
	return Data{Port: w.port, PID: w.pid, Src: w.src, Dst: w.dst, Data: data}.Serialize()
}

// Disconnect returns the wire form of the circuit's 'd' frame.
func (w Writer) Disconnect() []byte {
	return Disconnect{Port: w.port, PID: w.pid, Src: w.src, Dst: w.dst}.Serialize()
}
