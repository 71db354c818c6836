// Package pdlink defines the interfaces and types shared by a software USB
// Power Delivery link layer: the bit-level CC PHY it drives, the error
// taxonomy of the receive and transmit paths, and the port controller
// interface seen by a policy engine sitting on top of a TCPC.
package pdlink

import (
	"errors"
	"sync/atomic"

	"github.com/oxplot/go-pdlink/pdmsg"
)

// Polarity selects which of the two CC pins carries the PD traffic.
type Polarity uint8

// CC polarities.
const (
	PolarityCC1 Polarity = 0
	PolarityCC2 Polarity = 1
)

func (p Polarity) String() string {
	if p == PolarityCC2 {
		return "CC2"
	}
	return "CC1"
}

// SymbolWriter builds an outgoing frame in the PHY transmit buffer. Offsets
// are opaque PHY positions; each call returns the offset following what it
// wrote, and the final offset is the frame length handed to StartTx.
type SymbolWriter interface {
	// WritePreamble writes the training sequence at the start of the buffer
	// and returns the offset right after it.
	WritePreamble() int

	// WriteSymbol writes a 10 bit BMC encoded symbol (see bmc.BMC) at off.
	WriteSymbol(off int, sym uint16) int

	// WriteLastEdge terminates the frame with a forced edge so the receiver
	// sees the end of the last symbol.
	WriteLastEdge(off int) int
}

// Transmitter drives the CC line with a frame previously built through
// SymbolWriter.
type Transmitter interface {
	SymbolWriter

	// StartTx transmits the first bitLen units of the buffer. It returns
	// ErrCollision without transmitting when a frame is being received.
	StartTx(p Polarity, bitLen int) error

	// TxDone releases the line after a transmission.
	TxDone(p Polarity)

	// SetCircularMode makes the next StartTx repeat the buffer until
	// ClearCircularMode is called.
	SetCircularMode()
	ClearCircularMode()
}

// BitReader gives the receive pipeline access to the bits of the frame
// currently held by the PHY.
type BitReader interface {
	// InitDequeue resets the bit decoder before a new frame is parsed.
	InitDequeue()

	// FindPreamble locates the end of the preamble and returns the offset of
	// the first K-code following it. It returns ErrHardReset or
	// ErrCableReset when the ordered set following the preamble is a reset
	// signal, and ErrPreamble when no preamble is found. After RxStart, a
	// PHY with nothing received yet must wait up to the GoodCRC response
	// timeout for a frame before giving up.
	FindPreamble() (int, error)

	// DequeueBits returns n (<= 32) bits starting at off, first received
	// bit in the least significant position, and the offset after them.
	DequeueBits(off, n int) (next int, val uint32, err error)
}

// Receiver controls the receive side of the PHY.
type Receiver interface {
	BitReader

	// RxStarted returns true if an incoming frame has been detected.
	RxStarted() bool

	// RxStart starts sampling the line for a frame without waiting for the
	// edge interrupt. Monitoring is disabled when it is called; the PHY
	// blocks in FindPreamble for up to the response timeout.
	RxStart()

	// RxComplete releases the frame just parsed.
	RxComplete()

	// EnableMonitoring arms the edge detector so that a new frame wakes the
	// owning task. DisableMonitoring disarms it.
	EnableMonitoring()
	DisableMonitoring()
}

// Sampler exposes the analog side of the CC pins.
type Sampler interface {
	// ReadCC returns the voltage on CC pin cc (0 or 1) in millivolts.
	ReadCC(cc int) int

	// SelectPolarity routes the transmitter and receiver to one CC pin.
	SelectPolarity(p Polarity)

	// SetHostMode applies Rp on both CC pins when source is true and Rd
	// otherwise.
	SetHostMode(source bool)
}

// PHY is the complete bit-level CC interface driven by the link layer.
type PHY interface {
	Transmitter
	Receiver
	Sampler
}

// Dumper is implemented by PHYs that can expose their raw sample buffer for
// diagnostics.
type Dumper interface {
	RawSamples() []byte
}

// RxNotifier is implemented by PHYs that signal the start of an incoming
// frame through a callback while monitoring is enabled. The callback may run
// on any goroutine.
type RxNotifier interface {
	NotifyRx(fn func())
}

// Verbosity is a debug level shared between the components of a port.
//
//	0: state changes only
//	1: packet information
//	2: raw packet dumps on receive errors
type Verbosity struct {
	v atomic.Int32
}

// Level returns the current debug level. A nil Verbosity is level 0.
func (v *Verbosity) Level() int {
	if v == nil {
		return 0
	}
	return int(v.v.Load())
}

// Set changes the debug level.
func (v *Verbosity) Set(level int) {
	v.v.Store(int32(level))
}

// Receive path errors. They never abort the owning task and only cause the
// frame to be discarded.
var (
	ErrPreamble       = errors.New("pd: preamble not found")
	ErrUnsupportedSOP = errors.New("pd: unsupported sop")
	ErrCRC            = errors.New("pd: crc mismatch")
	ErrEOP            = errors.New("pd: bad eop")
	ErrLen            = errors.New("pd: receive buffer exhausted")
)

// Reset signals. They are reported out of band from payload errors.
var (
	ErrHardReset  = errors.New("pd: hard reset received")
	ErrCableReset = errors.New("pd: cable reset received")
)

// Transmit path errors.
var (
	ErrNoAck      = errors.New("pd: no goodcrc received")
	ErrInvalidAck = errors.New("pd: received message instead of goodcrc")
	ErrCollision  = errors.New("pd: collision on transmit")
	ErrDisabled   = errors.New("pd: transmit while disabled")
)

// IsReset returns true if err reports a hard or cable reset.
func IsReset(err error) bool {
	return errors.Is(err, ErrHardReset) || errors.Is(err, ErrCableReset)
}

// Event can store multiple events and return them in priority order.
type Event uint16

// Pop returns the next high priority event and clears it.
func (e *Event) Pop() Event {
	if *e == 0 {
		return EventNone
	}
	for r := Event(1); r <= 0x8000; r <<= 1 {
		if *e&r != 0 {
			*e &= ^r
			return r
		}
	}
	return EventNone // will never get here
}

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Has returns true if the event v is set without clearing it.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventResetReceived:
		return "ResetReceived"
	case EventSendReset:
		return "SendReset"
	case EventPower0A5:
		return "Power0A5"
	case EventPower1A5:
		return "Power1A5"
	case EventPower3A0:
		return "Power3A0"
	case EventAttached:
		return "Attached"
	case EventDetached:
		return "Detached"
	case EventRx:
		return "Rx"
	case EventTimerTimeout:
		return "TimerTimeout"
	default:
		return "INVALID"
	}
}

// EventNone represents no event.
const EventNone Event = 0

// The events are listed in order of priority from highest to lowest. This
// means that in presence of multiple pending events, highest priority one is
// attended to first.
const (
	EventResetReceived Event = 1 << iota // Hard reset received
	EventSendReset                       // Request to send hard reset signal to port partner
	EventPower0A5                        // 5V@0.5A Rp advertised by the source
	EventPower1A5                        // 5V@1.5A Rp advertised by the source
	EventPower3A0                        // 5V@3A Rp advertised by the source
	EventAttached                        // Source attached on a CC line
	EventDetached                        // Source detached
	EventRx                              // Received a message
	EventTimerTimeout                    // Active timer has timed out
)

// PortController is the view a policy engine has of a Type-C port
// controller, whether it is a discrete chip or the software TCPC of package
// tcpc reached over its register interface.
//
// Port controllers must:
//
//   - Handle the GoodCRC exchange and retries of every transmitted message.
//     Message ID counters are tracked in the policy engine however.
//   - Configure the port for sink operation after Init is called.
//   - Detect and set correct CC polarity upon attachment.
//   - Report the current advertised by the source as EventPower* events.
type PortController interface {

	// Init (re-)initializes the state of the controller to a known initial
	// working state. Init must be called at least once and before any other
	// method of this interface.
	Init() error

	// Tx sends a power delivery message to the port partner and blocks until
	// a GoodCRC response is received or all retries have failed, in which
	// case ErrTxFailed is returned.
	Tx(pdmsg.Message) error

	// Rx returns a single received message. If no messages are left,
	// ErrRxEmpty is returned. GoodCRC messages are never returned.
	Rx() (pdmsg.Message, error)

	// SendReset sends a hard reset to the port partner and blocks until the
	// send is complete.
	SendReset() error

	// Alert is called by the policy engine either periodically or as a
	// result of an interrupt, to let the port controller check on the
	// hardware status. It returns the events raised since the last call.
	Alert() (Event, error)
}

var (
	// ErrTxFailed is returned by Tx() if all retries have failed.
	ErrTxFailed = errors.New("failed to send pd message")

	// ErrRxEmpty is returned by Rx() if no more messages are left to read.
	ErrRxEmpty = errors.New("no more messages to read")
)
