package agw

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Data kinds recognised by the engine. The rest of the AGW command set
// (monitoring enable/disable etc) is host-side and never parsed here.
const (
	kindVersion     = 'R'
	kindPortInfo    = 'G'
	kindPortCap     = 'g'
	kindRegister    = 'X'
	kindConnect     = 'C'
	kindConnectVia  = 'v'
	kindDisconnect  = 'd'
	kindData        = 'D'
	kindUnproto     = 'M'
	kindUnprotoRecv = 'U'
	kindSentData    = 'T'
	kindMonitorI    = 'I'
	kindMonitorS    = 'S'
	kindHeard       = 'H'
	kindRaw         = 'K'
	kindOutPort     = 'y'
	kindOutConn     = 'Y'
)

// Banner prefixes a host sends on a 'C' frame. Direwolf sends the
// "With Station" form, some AGWPE versions send the all-caps form.
// Both mean an outbound connect was accepted.
const (
	bannerEstablishedCaps = "*** CONNECTED WITH"
	bannerEstablished     = "*** CONNECTED With Station "
	bannerIncoming        = "*** CONNECTED To Station "
)

// MaxHops is the AGW protocol limit on digipeaters in a connect path.
const MaxHops = 7

// Packet is one typed AGW frame. Serialize returns the full wire form,
// header included.
type Packet interface {
	Serialize() []byte
	header() Header
}

func withPayload(h Header, payload []byte) []byte {
	h.DataLen = uint32(len(payload))

	return append(h.Serialize(), payload...)
}

// VersionQuery asks the host for its version. 'R', emit side.
type VersionQuery struct{}

func (VersionQuery) header() Header      { return Header{Kind: kindVersion} }
func (p VersionQuery) Serialize() []byte { return p.header().Serialize() }

// VersionReply is the host's version. 'R', receive side.
type VersionReply struct {
	Major uint16
	Minor uint16
}

func (VersionReply) header() Header { return Header{Kind: kindVersion} }

func (p VersionReply) Serialize() []byte {
	var payload = make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], p.Major)
	binary.LittleEndian.PutUint16(payload[4:6], p.Minor)

	return withPayload(p.header(), payload)
}

// PortInfoQuery asks about the host's radio ports. 'G', emit side.
type PortInfoQuery struct {
	Port uint8
}

func (p PortInfoQuery) header() Header    { return Header{Port: p.Port, Kind: kindPortInfo} }
func (p PortInfoQuery) Serialize() []byte { return p.header().Serialize() }

// PortInfoReply carries the host's free-form port description. Not parsed
// further, per the AGW API.
type PortInfoReply struct {
	Port uint8
	Info string
}

func (p PortInfoReply) header() Header    { return Header{Port: p.Port, Kind: kindPortInfo} }
func (p PortInfoReply) Serialize() []byte { return withPayload(p.header(), []byte(p.Info)) }

// PortCapQuery asks for the capabilities of one port. 'g', emit side.
type PortCapQuery struct {
	Port uint8
}

func (p PortCapQuery) header() Header    { return Header{Port: p.Port, Kind: kindPortCap} }
func (p PortCapQuery) Serialize() []byte { return p.header().Serialize() }

// PortCaps is the fixed 12-byte port capabilities struct.
type PortCaps struct {
	BaudRate          uint8
	Traffic           uint8
	TXDelay           uint8
	TXTail            uint8
	Persist           uint8
	SlotTime          uint8
	MaxFrame          uint8
	ActiveConnections uint8
	BytesPer2Min      uint32
}

func (c PortCaps) String() string {
	return fmt.Sprintf("rate=%d\n  traffic=%d\n  txdelay=%d\n  txtail=%d\n  persist=%d\n  slot_time=%d\n  max_frame=%d\n  active_connections=%d\n  bytes_per_2min=%d",
		c.BaudRate, c.Traffic, c.TXDelay, c.TXTail, c.Persist, c.SlotTime, c.MaxFrame, c.ActiveConnections, c.BytesPer2Min)
}

// PortCapReply is the host's answer to a PortCapQuery. 'g', receive side.
type PortCapReply struct {
	Port uint8
	Caps PortCaps
}

func (p PortCapReply) header() Header { return Header{Port: p.Port, Kind: kindPortCap} }

func (p PortCapReply) Serialize() []byte {
	var payload = make([]byte, 12)
	payload[0] = p.Caps.BaudRate
	payload[1] = p.Caps.Traffic
	payload[2] = p.Caps.TXDelay
	payload[3] = p.Caps.TXTail
	payload[4] = p.Caps.Persist
	payload[5] = p.Caps.SlotTime
	payload[6] = p.Caps.MaxFrame
	payload[7] = p.Caps.ActiveConnections
	binary.LittleEndian.PutUint32(payload[8:12], p.Caps.BytesPer2Min)

	return withPayload(p.header(), payload)
}

// RegisterCallsign registers a local callsign with the host. 'X', emit side.
type RegisterCallsign struct {
	Port uint8
	PID  uint8
	Src  Call
}

func (p RegisterCallsign) header() Header {
	return Header{Port: p.Port, Kind: kindRegister, PID: p.PID, Src: p.Src}
}
func (p RegisterCallsign) Serialize() []byte { return p.header().Serialize() }

// CallsignRegistered is the host's ack of a RegisterCallsign. 'X',
// receive side.
type CallsignRegistered struct {
	Port    uint8
	Src     Call
	Success bool
}

func (p CallsignRegistered) header() Header {
	return Header{Port: p.Port, Kind: kindRegister, Src: p.Src}
}

func (p CallsignRegistered) Serialize() []byte {
	var payload = []byte{0}
	if p.Success {
		payload[0] = 1
	}

	return withPayload(p.header(), payload)
}

// Connect starts an AX.25 connection. 'C', emit side.
type Connect struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
}

func (p Connect) header() Header {
	return Header{Port: p.Port, Kind: kindConnect, PID: p.PID, Src: p.Src, Dst: p.Dst}
}
func (p Connect) Serialize() []byte { return p.header().Serialize() }

// ConnectVia starts an AX.25 connection through up to seven digipeaters.
// 'v', emit side.
type ConnectVia struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
	Via  []Call
}

func (p ConnectVia) header() Header {
	return Header{Port: p.Port, Kind: kindConnectVia, PID: p.PID, Src: p.Src, Dst: p.Dst}
}

func (p ConnectVia) Serialize() []byte {
	var payload = make([]byte, 0, 1+len(p.Via)*CallLen)
	payload = append(payload, byte(len(p.Via)))
	for _, call := range p.Via {
		var b = call.Bytes()
		payload = append(payload, b[:]...)
	}

	return withPayload(p.header(), payload)
}

// ConnectionEstablished reports that an outbound connect was accepted.
// 'C', receive side; src and dst are swapped relative to the request.
type ConnectionEstablished struct {
	Port   uint8
	PID    uint8
	Src    Call
	Dst    Call
	Banner string
}

func (p ConnectionEstablished) header() Header {
	return Header{Port: p.Port, Kind: kindConnect, PID: p.PID, Src: p.Src, Dst: p.Dst}
}

func (p ConnectionEstablished) Serialize() []byte {
	var banner = p.Banner
	if banner == "" {
		banner = bannerEstablished + p.Src.String()
	}

	return withPayload(p.header(), []byte(banner))
}

// IncomingConnect reports that the host accepted a connection initiated by
// the remote station. 'C', receive side.
type IncomingConnect struct {
	Port   uint8
	PID    uint8
	Src    Call
	Dst    Call
	Banner string
}

func (p IncomingConnect) header() Header {
	return Header{Port: p.Port, Kind: kindConnect, PID: p.PID, Src: p.Src, Dst: p.Dst}
}

func (p IncomingConnect) Serialize() []byte {
	var banner = p.Banner
	if banner == "" {
		banner = bannerIncoming + p.Src.String()
	}

	return withPayload(p.header(), []byte(banner))
}

// Disconnect terminates an AX.25 connection, or reports that the remote
// end did. 'd', both directions.
type Disconnect struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
}

func (p Disconnect) header() Header {
	return Header{Port: p.Port, Kind: kindDisconnect, PID: p.PID, Src: p.Src, Dst: p.Dst}
}
func (p Disconnect) Serialize() []byte { return p.header().Serialize() }

// Data is connected user data on an established circuit. 'D', both
// directions.
type Data struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p Data) header() Header {
	return Header{Port: p.Port, Kind: kindData, PID: p.PID, Src: p.Src, Dst: p.Dst}
}
func (p Data) Serialize() []byte { return withPayload(p.header(), p.Data) }

// Unproto is a connectionless UI frame. 'M', emit side.
type Unproto struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p Unproto) header() Header {
	return Header{Port: p.Port, Kind: kindUnproto, PID: p.PID, Src: p.Src, Dst: p.Dst}
}
func (p Unproto) Serialize() []byte { return withPayload(p.header(), p.Data) }

// UnprotoRecv is a monitored UI frame from the host. 'U', receive side.
type UnprotoRecv struct {
	Port uint8
	PID  uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p UnprotoRecv) header() Header {
	return Header{Port: p.Port, Kind: kindUnprotoRecv, PID: p.PID, Src: p.Src, Dst: p.Dst}
}
func (p UnprotoRecv) Serialize() []byte { return withPayload(p.header(), p.Data) }

// SentData echoes a connected frame the host transmitted for us. 'T'.
type SentData struct {
	Port uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p SentData) header() Header {
	return Header{Port: p.Port, Kind: kindSentData, Src: p.Src, Dst: p.Dst}
}
func (p SentData) Serialize() []byte { return withPayload(p.header(), p.Data) }

// MonitorConnected is a monitored I-frame. 'I'.
type MonitorConnected struct {
	Port uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p MonitorConnected) header() Header {
	return Header{Port: p.Port, Kind: kindMonitorI, Src: p.Src, Dst: p.Dst}
}
func (p MonitorConnected) Serialize() []byte { return withPayload(p.header(), p.Data) }

// MonitorSupervisory is a monitored S- or U-frame. 'S'.
type MonitorSupervisory struct {
	Port uint8
	Src  Call
	Dst  Call
	Data []byte
}

func (p MonitorSupervisory) header() Header {
	return Header{Port: p.Port, Kind: kindMonitorS, Src: p.Src, Dst: p.Dst}
}
func (p MonitorSupervisory) Serialize() []byte { return withPayload(p.header(), p.Data) }

// HeardStations is the host's recently-heard station list. 'H'.
type HeardStations struct {
	Port     uint8
	Stations string
}

func (p HeardStations) header() Header    { return Header{Port: p.Port, Kind: kindHeard} }
func (p HeardStations) Serialize() []byte { return withPayload(p.header(), []byte(p.Stations)) }

// RawFrame is a monitored frame in raw AX.25 form. 'K'.
type RawFrame struct {
	Port uint8
	Data []byte
}

func (p RawFrame) header() Header    { return Header{Port: p.Port, Kind: kindRaw} }
func (p RawFrame) Serialize() []byte { return withPayload(p.header(), p.Data) }

// OutstandingPort is the number of frames queued on a port. 'y'.
type OutstandingPort struct {
	Port  uint8
	Count uint32
}

func (p OutstandingPort) header() Header { return Header{Port: p.Port, Kind: kindOutPort} }

func (p OutstandingPort) Serialize() []byte {
	var payload = make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, p.Count)

	return withPayload(p.header(), payload)
}

// OutstandingConnection is the number of frames queued for one circuit. 'Y'.
type OutstandingConnection struct {
	Port  uint8
	PID   uint8
	Src   Call
	Dst   Call
	Count uint32
}

func (p OutstandingConnection) header() Header {
	return Header{Port: p.Port, Kind: kindOutConn, PID: p.PID, Src: p.Src, Dst: p.Dst}
}

func (p OutstandingConnection) Serialize() []byte {
	var payload = make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, p.Count)

	return withPayload(p.header(), payload)
}

// Unknown is a frame whose data kind the engine has no use for. It is kept
// whole so that monitoring variants survive a proxy round-trip bit-exact.
type Unknown struct {
	Hdr  Header
	Data []byte
}

func (p Unknown) header() Header    { return p.Hdr }
func (p Unknown) Serialize() []byte { return withPayload(p.Hdr, p.Data) }

// ParsePacket turns a received header and payload into a typed frame.
func ParsePacket(h Header, payload []byte) (Packet, error) {
	if int(h.DataLen) != len(payload) {
		return nil, fmt.Errorf("%w: kind %q declares %d payload bytes, got %d",
			ErrMalformedFrame, h.Kind, h.DataLen, len(payload))
	}

	switch h.Kind {
	case kindVersion:
		if len(payload) != 8 {
			return nil, fmt.Errorf("%w: version reply had wrong length %d", ErrMalformedFrame, len(payload))
		}

		return VersionReply{
			Major: binary.LittleEndian.Uint16(payload[0:2]),
			Minor: binary.LittleEndian.Uint16(payload[4:6]),
		}, nil

	case kindPortInfo:
		return PortInfoReply{Port: h.Port, Info: string(payload)}, nil

	case kindPortCap:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: port caps reply had wrong length %d", ErrMalformedFrame, len(payload))
		}

		return PortCapReply{Port: h.Port, Caps: PortCaps{
			BaudRate:          payload[0],
			Traffic:           payload[1],
			TXDelay:           payload[2],
			TXTail:            payload[3],
			Persist:           payload[4],
			SlotTime:          payload[5],
			MaxFrame:          payload[6],
			ActiveConnections: payload[7],
			BytesPer2Min:      binary.LittleEndian.Uint32(payload[8:12]),
		}}, nil

	case kindRegister:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: callsign registration ack without status byte", ErrMalformedFrame)
		}

		return CallsignRegistered{Port: h.Port, Src: h.Src, Success: payload[0] == 1}, nil

	case kindConnect:
		return parseConnectReply(h, payload)

	case kindDisconnect:
		// Direwolf sends a "*** DISCONNECTED ..." banner here even though
		// the canonical frame is empty. Tolerate and drop it.
		return Disconnect{Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst}, nil

	case kindData:
		if h.Src.IsEmpty() {
			return nil, fmt.Errorf("%w: connected data with missing src", ErrMalformedFrame)
		}
		if h.Dst.IsEmpty() {
			return nil, fmt.Errorf("%w: connected data with missing dst", ErrMalformedFrame)
		}

		return Data{Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst, Data: payload}, nil

	case kindUnprotoRecv:
		return UnprotoRecv{Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst, Data: payload}, nil

	case kindSentData:
		return SentData{Port: h.Port, Src: h.Src, Dst: h.Dst, Data: payload}, nil

	case kindMonitorI:
		return MonitorConnected{Port: h.Port, Src: h.Src, Dst: h.Dst, Data: payload}, nil

	case kindMonitorS:
		return MonitorSupervisory{Port: h.Port, Src: h.Src, Dst: h.Dst, Data: payload}, nil

	case kindHeard:
		return HeardStations{Port: h.Port, Stations: string(payload)}, nil

	case kindRaw:
		return RawFrame{Port: h.Port, Data: payload}, nil

	case kindOutPort:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: outstanding-frames reply had wrong length %d", ErrMalformedFrame, len(payload))
		}

		return OutstandingPort{Port: h.Port, Count: binary.LittleEndian.Uint32(payload)}, nil

	case kindOutConn:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: outstanding-frames reply had wrong length %d", ErrMalformedFrame, len(payload))
		}

		return OutstandingConnection{
			Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst,
			Count: binary.LittleEndian.Uint32(payload),
		}, nil

	default:
		return Unknown{Hdr: h, Data: payload}, nil
	}
}

func parseConnectReply(h Header, payload []byte) (Packet, error) {
	var banner = string(payload)
	if h.Src.IsEmpty() {
		return nil, fmt.Errorf("%w: connect reply with missing src", ErrMalformedFrame)
	}
	if h.Dst.IsEmpty() {
		return nil, fmt.Errorf("%w: connect reply with missing dst", ErrMalformedFrame)
	}

	switch {
	case strings.HasPrefix(banner, bannerEstablishedCaps), strings.HasPrefix(banner, bannerEstablished):
		return ConnectionEstablished{
			Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst, Banner: banner,
		}, nil
	case strings.HasPrefix(banner, bannerIncoming):
		return IncomingConnect{
			Port: h.Port, PID: h.PID, Src: h.Src, Dst: h.Dst, Banner: banner,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedBanner, banner)
	}
}

// describe is the short human form used in debug logs.
func describe(p Packet) string {
	switch p := p.(type) {
	case VersionReply:
		return fmt.Sprintf("Version: %d.%d", p.Major, p.Minor)
	case PortInfoReply:
		return fmt.Sprintf("Port info: %s", p.Info)
	case PortCapReply:
		return fmt.Sprintf("Port caps: %s", p.Caps)
	case CallsignRegistered:
		return fmt.Sprintf("Callsign registration: %v", p.Success)
	case ConnectionEstablished:
		return fmt.Sprintf("Connected: %s", p.Banner)
	case IncomingConnect:
		return fmt.Sprintf("Incoming connect: %s", p.Banner)
	case Data:
		return fmt.Sprintf("ConnectedData: %d bytes %s>%s", len(p.Data), p.Src, p.Dst)
	case Disconnect:
		return "Disconnect"
	case UnprotoRecv:
		return fmt.Sprintf("Received unproto: %d bytes", len(p.Data))
	case SentData:
		return fmt.Sprintf("ConnectedSent: %d bytes", len(p.Data))
	case MonitorConnected:
		return fmt.Sprintf("Connected packet len %d", len(p.Data))
	case MonitorSupervisory:
		return fmt.Sprintf("Supervisory packet len %d", len(p.Data))
	case HeardStations:
		return fmt.Sprintf("Heard stations: %s", p.Stations)
	case RawFrame:
		return "Raw"
	case OutstandingPort:
		return fmt.Sprintf("Frames outstanding port: %d", p.Count)
	case OutstandingConnection:
		return fmt.Sprintf("Frames outstanding connection: %d", p.Count)
	case Unknown:
		return fmt.Sprintf("Unknown frame: kind=%q len=%d", p.Hdr.Kind, len(p.Data))
	default:
		return fmt.Sprintf("%T", p)
	}
}
