package agw

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost drives the server side of a net.Pipe the way Direwolf's AGW
// server would: read a command frame, write the matching reply frames.
type fakeHost struct {
	t    *testing.T
	conn net.Conn
}

func newTestClient(t *testing.T) (*Client, *fakeHost) {
	t.Helper()

	var clientSide, hostSide = net.Pipe()

	var c = NewClient(clientSide)
	t.Cleanup(func() { _ = c.Close() })

	return c, &fakeHost{t: t, conn: hostSide}
}

// readFrame reads exactly one frame off the wire.
func (f *fakeHost) readFrame() (Header, []byte) {
	f.t.Helper()

	var hbuf = make([]byte, HeaderLen)
	var _, readErr = io.ReadFull(f.conn, hbuf)
	require.NoError(f.t, readErr)

	var h, parseErr = ParseHeader(hbuf)
	require.NoError(f.t, parseErr)

	var payload []byte
	if h.DataLen > 0 {
		payload = make([]byte, h.DataLen)
		_, readErr = io.ReadFull(f.conn, payload)
		require.NoError(f.t, readErr)
	}

	return h, payload
}

func (f *fakeHost) send(p Packet) {
	f.t.Helper()

	var _, err = f.conn.Write(p.Serialize())
	require.NoError(f.t, err)
}

// expectNoFrame asserts nothing arrives from the client for a while.
func (f *fakeHost) expectNoFrame() {
	f.t.Helper()

	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

	var buf = make([]byte, 1)
	var _, err = f.conn.Read(buf)
	require.Error(f.t, err, "unexpected frame from client")
	require.NoError(f.t, f.conn.SetReadDeadline(time.Time{}))
}

// connectCircuit runs the connect handshake and returns the circuit.
func connectCircuit(t *testing.T, c *Client, host *fakeHost, src, dst Call) *Connection {
	t.Helper()

	var done = make(chan struct{})
	go func() {
		defer close(done)

		var h, _ = host.readFrame()
		assert.Equal(t, byte('C'), h.Kind)
		assert.Equal(t, src, h.Src)
		assert.Equal(t, dst, h.Dst)

		host.send(ConnectionEstablished{Port: h.Port, PID: h.PID, Src: dst, Dst: src})
	}()

	var conn, err = c.Connect(0, 0xF0, src, dst, nil)
	require.NoError(t, err)
	<-done

	return conn
}

// Scenario: version query and reply.
func TestVersion(t *testing.T) {
	var c, host = newTestClient(t)

	go func() {
		var h, payload = host.readFrame()
		assert.Equal(t, byte('R'), h.Kind)
		assert.Empty(t, payload)
		assert.True(t, h.Src.IsEmpty())

		host.send(VersionReply{Major: 4, Minor: 3})
	}()

	var major, minor, err = c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint16(4), major)
	assert.Equal(t, uint16(3), minor)
}

// Scenario: port capabilities.
func TestPortCap(t *testing.T) {
	var c, host = newTestClient(t)

	go func() {
		var h, _ = host.readFrame()
		assert.Equal(t, byte('g'), h.Kind)
		assert.Equal(t, uint8(0), h.Port)

		host.send(PortCapReply{Port: 0, Caps: PortCaps{
			BaudRate: 1, Traffic: 2, TXDelay: 3, TXTail: 4,
			Persist: 5, SlotTime: 6, MaxFrame: 7, ActiveConnections: 8,
			BytesPer2Min: 0x40302010,
		}})
	}()

	var caps, err = c.PortCap(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), caps.BaudRate)
	assert.Equal(t, uint8(8), caps.ActiveConnections)
	assert.Equal(t, uint32(0x40302010), caps.BytesPer2Min)
}

func TestPortInfo(t *testing.T) {
	var c, host = newTestClient(t)

	go func() {
		var h, _ = host.readFrame()
		assert.Equal(t, byte('G'), h.Kind)

		host.send(PortInfoReply{Port: 0, Info: "1;Port1 144.800 MHz"})
	}()

	var info, err = c.PortInfo(0)
	require.NoError(t, err)
	assert.Equal(t, "1;Port1 144.800 MHz", info)
}

// A version waiter must skip unrelated frames arriving first.
func TestVersionSkipsUnrelatedFrames(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-2")
	var dst = mustCall(t, "M0THC-1")

	go func() {
		host.readFrame()

		host.send(UnprotoRecv{Port: 0, PID: 0xF0, Src: src, Dst: dst, Data: []byte("beacon")})
		host.send(HeardStations{Port: 0, Stations: "M0THC-2"})
		host.send(VersionReply{Major: 1, Minor: 0})
	}()

	var major, minor, err = c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), major)
	assert.Equal(t, uint16(0), minor)
}

// Scenario: connect happy path.
func TestConnect(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)
	assert.Equal(t, "*** CONNECTED With Station M0THC-2", conn.ConnectString())
}

// Scenario: interleaved circuit data with an unrelated UI frame in between.
func TestReadInterleaved(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)

	go func() {
		host.send(UnprotoRecv{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte("beacon")})
		host.send(Data{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte("hello")})
		host.send(Data{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte("world")})
	}()

	var first, err1 = conn.Read()
	require.NoError(t, err1)
	assert.Equal(t, []byte("hello"), first)

	var second, err2 = conn.Read()
	require.NoError(t, err2)
	assert.Equal(t, []byte("world"), second)
}

// Per-circuit ordering holds across many frames.
func TestReadOrdering(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			host.send(Data{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte(fmt.Sprintf("frame %d", i))})
		}
	}()

	for i := 0; i < n; i++ {
		var got, err = conn.Read()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame %d", i), string(got))
	}
}

// Frames for another circuit must not be delivered to this one.
func TestReadFiltersOtherCircuits(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")
	var other = mustCall(t, "M0THC-3")

	var conn = connectCircuit(t, c, host, src, dst)

	go func() {
		host.send(Data{Port: 0, PID: 0xF0, Src: other, Dst: src, Data: []byte("wrong")})
		host.send(Data{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte("right")})
	}()

	var got, err = conn.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("right"), got)
}

// Scenario: remote disconnect. Data first, then 'd', then sticky errors.
func TestRemoteDisconnect(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)

	go func() {
		host.send(Data{Port: 0, PID: 0xF0, Src: dst, Dst: src, Data: []byte("bye")})
		host.send(Disconnect{Port: 0, PID: 0xF0, Src: dst, Dst: src})
	}()

	var got, err = conn.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("bye"), got)

	_, err = conn.Read()
	assert.ErrorIs(t, err, ErrRemoteDisconnected)

	// And it stays that way.
	_, err = conn.Read()
	assert.ErrorIs(t, err, ErrRemoteDisconnected)

	_, err = conn.Write([]byte("too late"))
	assert.ErrorIs(t, err, ErrRemoteDisconnected)
}

// Scenario: the hop limit. Seven digis connect, eight error without a
// frame hitting the wire.
func TestConnectHopLimit(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var via [8]Call
	for i := range via {
		via[i] = mustCall(t, fmt.Sprintf("WIDE1-%d", i+1))
	}

	var _, err = c.Connect(0, 0xF0, src, dst, via[:])
	assert.ErrorIs(t, err, ErrTooManyHops)
	host.expectNoFrame()

	var done = make(chan struct{})
	go func() {
		defer close(done)

		var h, payload = host.readFrame()
		assert.Equal(t, byte('v'), h.Kind)
		require.Len(t, payload, 1+7*CallLen)
		assert.Equal(t, byte(7), payload[0])

		host.send(ConnectionEstablished{Port: 0, PID: 0xF0, Src: dst, Dst: src})
	}()

	conn, err := c.Connect(0, 0xF0, src, dst, via[:7])
	require.NoError(t, err)
	assert.NotNil(t, conn)
	<-done
}

// A 'C' reply in the connect's scope that is not an established banner
// fails the connect immediately, not at the timeout.
func TestConnectRejectsIncomingBanner(t *testing.T) {
	var c, host = newTestClient(t)
	c.ConnectTimeout = 5 * time.Second

	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	go func() {
		host.readFrame()
		host.send(IncomingConnect{Port: 0, PID: 0xF0, Src: dst, Dst: src})
	}()

	var start = time.Now()
	var _, err = c.Connect(0, 0xF0, src, dst, nil)
	assert.ErrorIs(t, err, ErrUnexpectedBanner)
	assert.Less(t, time.Since(start), time.Second, "connect should fail fast, not wait for the timeout")
}

// An unscoped 'C' frame (nobody is connecting to that pair) goes to a
// matching subscription instead of rotting in the overflow queue.
func TestSubscribeConnectFrames(t *testing.T) {
	var c, host = newTestClient(t)
	var remote = mustCall(t, "M0THC-9")
	var local = mustCall(t, "M0THC-1")

	var sub = c.Subscribe(MatchKinds('C'), 4)
	defer sub.Close()

	host.send(IncomingConnect{Port: 0, PID: 0xF0, Src: remote, Dst: local})

	select {
	case in := <-sub.C:
		var inc, ok = in.Packet.(IncomingConnect)
		require.True(t, ok, "got %T", in.Packet)
		assert.Equal(t, remote, inc.Src)
	case <-time.After(time.Second):
		t.Fatal("subscription never got the connect frame")
	}
}

// A 'C' subscription must not steal the reply a pending Connect is
// scoped to.
func TestConnectNotStolenBySubscription(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var sub = c.Subscribe(MatchKinds('C'), 4)
	defer sub.Close()

	var conn = connectCircuit(t, c, host, src, dst)
	assert.Equal(t, "*** CONNECTED With Station M0THC-2", conn.ConnectString())
	assert.Len(t, sub.C, 0)
}

func TestConnectTimeout(t *testing.T) {
	var c, host = newTestClient(t)
	c.ConnectTimeout = 100 * time.Millisecond

	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	go host.readFrame() // swallow the 'C', never answer

	var _, err = c.Connect(0, 0xF0, src, dst, nil)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

// Law: disconnect twice, close once: exactly one 'd' frame.
func TestDisconnectIdempotent(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)

	var got = make(chan Header, 1)
	go func() {
		var h, _ = host.readFrame()
		got <- h
	}()

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Close())

	var h = <-got
	assert.Equal(t, byte('d'), h.Kind)
	assert.Equal(t, src, h.Src)
	assert.Equal(t, dst, h.Dst)

	host.expectNoFrame()
}

func TestWrite(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "M0THC-2")

	var conn = connectCircuit(t, c, host, src, dst)

	var got = make(chan []byte, 1)
	go func() {
		var h, payload = host.readFrame()
		assert.Equal(t, byte('D'), h.Kind)
		assert.Equal(t, src, h.Src)
		assert.Equal(t, dst, h.Dst)
		got <- payload
	}()

	var n, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), <-got)

	// Zero-length writes emit nothing.
	n, err = conn.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	host.expectNoFrame()
}

func TestUnproto(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")
	var dst = mustCall(t, "APZ001")

	var got = make(chan []byte, 1)
	go func() {
		var h, payload = host.readFrame()
		assert.Equal(t, byte('M'), h.Kind)
		assert.Equal(t, src, h.Src)
		assert.Equal(t, dst, h.Dst)
		got <- payload
	}()

	require.NoError(t, c.Unproto(0, 0xF0, src, dst, []byte(":M6VMB-1  :helloworld{3")))
	assert.Equal(t, []byte(":M6VMB-1  :helloworld{3"), <-got)
}

func TestRegisterCallsign(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-1")

	var got = make(chan Header, 1)
	go func() {
		var h, _ = host.readFrame()
		got <- h
	}()

	require.NoError(t, c.RegisterCallsign(0, 0xF0, src))

	var h = <-got
	assert.Equal(t, byte('X'), h.Kind)
	assert.Equal(t, src, h.Src)

	// The ack is not awaited; it just lands in the overflow queue.
	host.send(CallsignRegistered{Port: 0, Src: src, Success: true})
}

// Monitoring frames go to a subscription when one matches, not to the
// overflow queue.
func TestSubscribe(t *testing.T) {
	var c, host = newTestClient(t)
	var src = mustCall(t, "M0THC-2")
	var dst = mustCall(t, "M0THC-1")

	var sub = c.Subscribe(MatchKinds('U'), 4)
	defer sub.Close()

	host.send(UnprotoRecv{Port: 0, PID: 0xF0, Src: src, Dst: dst, Data: []byte("beacon")})

	select {
	case in := <-sub.C:
		var u, ok = in.Packet.(UnprotoRecv)
		require.True(t, ok)
		assert.Equal(t, []byte("beacon"), u.Data)
	case <-time.After(time.Second):
		t.Fatal("subscription never got the frame")
	}
}

// Closing the client releases blocked callers.
func TestCloseReleasesWaiters(t *testing.T) {
	var c, host = newTestClient(t)

	go host.readFrame()

	var errs = make(chan error, 1)
	go func() {
		var _, _, err = c.Version()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Version never returned after Close")
	}
}

// A malformed frame from the host takes the client down and the error
// reaches blocked callers.
func TestMalformedFrameClosesClient(t *testing.T) {
	var c, host = newTestClient(t)

	go func() {
		host.readFrame()
		// An 'R' reply with the wrong payload size.
		var h = Header{Kind: 'R', DataLen: 3}
		host.conn.Write(append(h.Serialize(), 1, 2, 3)) //nolint:errcheck
	}()

	var _, _, err = c.Version()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
