// Package pdmsg defines types to encode and decode USB-C Power Delivery
// Messages.
package pdmsg

import (
	"fmt"
	"strings"
)

const (
	// MaxDataObjects is the maximum number of data objects that can be stored in
	// a message, as set by the standard.
	MaxDataObjects = 7

	// MaxMessageBytes is the maximum number of bytes in a message which includes
	// the header and the data objects.
	MaxMessageBytes = 2 + 4*MaxDataObjects // 2 bytes header, and 7 data objects, each 32 bits (4 bytes)
)

// FrameType identifies the ordered set a message was (or is to be) framed
// with. The values match the TCPCI TRANSMIT and RX_BUF_FRAME_TYPE encodings,
// which also carry the non-message transmit types.
type FrameType uint8

// SOP* types.
const (
	SOP               FrameType = 0
	SOPPrime          FrameType = 1
	SOPDoublePrime    FrameType = 2
	SOPDebugPrime     FrameType = 3
	SOPDebugDbl       FrameType = 4
	TxHardReset       FrameType = 5 // only valid for transmit
	TxCableReset      FrameType = 6
	TxBISTMode2       FrameType = 7 // only valid for transmit
	SOPInvalid        FrameType = 0xf
	numSOPStarMessage           = SOPDebugDbl + 1
)

// IsMessage returns true if s frames a message rather than a signal.
func (s FrameType) IsMessage() bool {
	return s < numSOPStarMessage
}

func (s FrameType) String() string {
	switch s {
	case SOP:
		return "SOP"
	case SOPPrime:
		return "SOP'"
	case SOPDoublePrime:
		return "SOP''"
	case SOPDebugPrime:
		return "SOP_DBG'"
	case SOPDebugDbl:
		return "SOP_DBG''"
	case TxHardReset:
		return "HardReset"
	case TxCableReset:
		return "CableReset"
	case TxBISTMode2:
		return "BIST2"
	default:
		return "INVALID"
	}
}

// Message represents a power delivery message.
// Decoding of extended messages is not supported.
type Message struct {
	// SOP is the ordered set the message is addressed with.
	SOP FrameType

	Header uint16

	// Data varies depending on the type of the message. For TypeSourceCap and
	// TypeSinkCap, the data element should be converted to PDO, and further to
	// specific PDO type based on PDO.Type().
	//
	// Size of Data is fixed up to maximum allowable message size, to ensure no
	// heap allocations are necessary. To find out how many actual elements are
	// used, use DataObjectCount().
	Data [MaxDataObjects]uint32
}

// NewHeader builds a message header.
func NewHeader(t Type, pr PowerRole, dr DataRole, id, count uint8, rev Revision) uint16 {
	var m Message
	m.SetType(t)
	m.SetPowerRole(pr)
	m.SetDataRole(dr)
	m.SetID(id)
	m.SetDataObjectCount(count)
	m.SetRevision(rev)
	return m.Header
}

// ToBytes serializes the message to a byte slice and returns the number of
// bytes written.
func (m Message) ToBytes(b []byte) uint8 {
	b[0] = byte(m.Header & 0xff)
	b[1] = byte((m.Header >> 8) & 0xff)
	c := m.DataObjectCount()
	for i, d := range m.Data[:c] {
		b[2+i*4] = byte(d & 0xff)
		b[3+i*4] = byte((d >> 8) & 0xff)
		b[4+i*4] = byte((d >> 16) & 0xff)
		b[5+i*4] = byte((d >> 24) & 0xff)
	}
	return 2 + c*4
}

// FromBytes is the inverse of ToBytes. b must hold at least the header and
// as many data objects as the header declares.
func (m *Message) FromBytes(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("pdmsg: short message: %d bytes", len(b))
	}
	m.Header = uint16(b[0]) | uint16(b[1])<<8
	c := int(m.DataObjectCount())
	if len(b) < 2+c*4 {
		return fmt.Errorf("pdmsg: short message: %d bytes for %d data objects", len(b), c)
	}
	m.Data = [MaxDataObjects]uint32{}
	for i := 0; i < c; i++ {
		s := 2 + i*4
		m.Data[i] = uint32(b[s]) | uint32(b[s+1])<<8 | uint32(b[s+2])<<16 | uint32(b[s+3])<<24
	}
	return nil
}

// Objects returns the data objects in use.
func (m *Message) Objects() []uint32 {
	return m.Data[:m.DataObjectCount()]
}

// IsExtended returns true if the message has its extended flag set.
func (m Message) IsExtended() bool {
	return m.Header&(1<<15) != 0
}

// SetExtended sets the extended flag in the message.
func (m *Message) SetExtended(e bool) {
	var b uint16
	if e {
		b = 1 << 15
	}
	m.Header = (m.Header & ^(uint16(1) << 15)) | b
}

// ID returns the message ID.
func (m Message) ID() uint8 {
	return uint8((m.Header >> 9) & 0b111)
}

// SetID sets the message ID.
func (m *Message) SetID(id uint8) {
	m.Header = (m.Header & ^(uint16(0b111) << 9)) | (uint16(id&0b111) << 9)
}

// DataObjectCount returns the number of data objects in the message.
func (m Message) DataObjectCount() uint8 {
	return uint8((m.Header >> 12) & 0b111)
}

// SetDataObjectCount sets the number of data objects in the message.
func (m *Message) SetDataObjectCount(n uint8) {
	m.Header = (m.Header & ^(uint16(0b111) << 12)) | (uint16(n&0b111) << 12)
}

// IsData returns true of the message is a data message, otherwise it's a
// control message.
func (m Message) IsData() bool {
	return m.DataObjectCount() > 0
}

// IsGoodCRC returns true for a GoodCRC control message.
func (m Message) IsGoodCRC() bool {
	return !m.IsData() && m.Type() == TypeGoodCRC
}

// Type returns the message type. As data and control messages share the same
// value of some types, the user must check IsData in addition to Type, to
// determine the correct type of the message.
func (m Message) Type() Type {
	return Type(m.Header & 0b11111)
}

// SetType sets the message type.
func (m *Message) SetType(t Type) {
	m.Header = (m.Header & ^uint16(0b11111)) | uint16(t&0b11111)
}

// Type represents the PD message type. For control messages, the value of the
// type is equivalent to that of the PD spec. Actual message type requires
// determining if the message is a control or a data message using IsData().
type Type uint8

// Control message types
const (
	TypeGoodCRC      Type = 0b00001
	TypeGotoMin      Type = 0b00010
	TypeAccept       Type = 0b00011
	TypeReject       Type = 0b00100
	TypePing         Type = 0b00101
	TypePSReady      Type = 0b00110
	TypeGetSourceCap Type = 0b00111
	TypeGetSinkCap   Type = 0b01000
	TypeDRSwap       Type = 0b01001
	TypePRSwap       Type = 0b01010
	TypeVconnSwap    Type = 0b01011
	TypeWait         Type = 0b01100
	TypeSoftReset    Type = 0b01101
	TypeNotSupported Type = 0b10000
)

// Data message types
const (
	TypeSourceCap     Type = 0b00001
	TypeRequest       Type = 0b00010
	TypeBIST          Type = 0b00011
	TypeSinkCap       Type = 0b00100
	TypeVendorDefined Type = 0b01111
)

var controlNames = map[Type]string{
	TypeGoodCRC:      "GoodCRC",
	TypeGotoMin:      "GotoMin",
	TypeAccept:       "Accept",
	TypeReject:       "Reject",
	TypePing:         "Ping",
	TypePSReady:      "PS_RDY",
	TypeGetSourceCap: "Get_Source_Cap",
	TypeGetSinkCap:   "Get_Sink_Cap",
	TypeDRSwap:       "DR_Swap",
	TypePRSwap:       "PR_Swap",
	TypeVconnSwap:    "VCONN_Swap",
	TypeWait:         "Wait",
	TypeSoftReset:    "Soft_Reset",
	TypeNotSupported: "Not_Supported",
}

var dataNames = map[Type]string{
	TypeSourceCap:     "Source_Capabilities",
	TypeRequest:       "Request",
	TypeBIST:          "BIST",
	TypeSinkCap:       "Sink_Capabilities",
	TypeVendorDefined: "Vendor_Defined",
}

// TypeName returns a human readable name of the message type.
func (m Message) TypeName() string {
	names := controlNames
	if m.IsData() {
		names = dataNames
	}
	if n, ok := names[m.Type()]; ok {
		return n
	}
	return fmt.Sprintf("type%#02x", uint8(m.Type()))
}

// String formats the message on a single line.
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s id=%d hdr=%04x", m.SOP, m.TypeName(), m.ID(), m.Header)
	for _, d := range m.Data[:m.DataObjectCount()] {
		fmt.Fprintf(&b, " %08x", d)
	}
	return b.String()
}

// Revision returns the power delivery revision number of the message.
func (m Message) Revision() Revision {
	return Revision((m.Header >> 6) & 0b11)
}

// SetRevision sets the power delivery revision number of the message.
func (m *Message) SetRevision(r Revision) {
	m.Header = (m.Header & ^(uint16(0b11) << 6)) | uint16(r&0b11)<<6
}

// Revision represents the power delivery revision number of a message.
type Revision uint8

// Power delivery revision numbers.
const (
	Revision10 Revision = 0b00
	Revision20 Revision = 0b01
	Revision30 Revision = 0b10
)

// PowerRole returns the power role of the sender of the message.
func (m Message) PowerRole() PowerRole {
	return PowerRole((m.Header >> 8) & 1)
}

// SetPowerRole sets the power role of the sender of the message.
func (m *Message) SetPowerRole(r PowerRole) {
	m.Header = (m.Header & ^(uint16(1) << 8)) | (uint16(r&1) << 8)
}

// PowerRole represents the power role of the sender of a message.
type PowerRole uint8

// Power roles of the sender of a message.
const (
	PowerRoleSink   PowerRole = 0
	PowerRoleSource PowerRole = 1
)

func (r PowerRole) String() string {
	if r == PowerRoleSource {
		return "source"
	}
	return "sink"
}

// DataRole returns the data role of the sender of the message.
func (m Message) DataRole() DataRole {
	return DataRole((m.Header >> 5) & 1)
}

// SetDataRole sets the data role of the sender of the message.
func (m *Message) SetDataRole(r DataRole) {
	m.Header = (m.Header & ^(uint16(1) << 5)) | uint16(r&1)<<5
}

// DataRole represents the data role of the sender of a message.
type DataRole uint8

// Data roles of the sender of a message.
const (
	DataRoleUFP DataRole = 0
	DataRoleDFP DataRole = 1
)

func (r DataRole) String() string {
	if r == DataRoleDFP {
		return "dfp"
	}
	return "ufp"
}
