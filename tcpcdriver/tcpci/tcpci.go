// Package tcpci implements a sink port controller driver for chips exposing
// the standard TCPCI register set, including the software TCPC of package
// tcpc reached through its bus.
package tcpci

import (
	"errors"
	"time"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/tcpcdriver"
)

// TCPCI represents a TCPCI compliant port controller.
type TCPCI struct {
	port tcpcdriver.I2C
	addr uint16

	alert    uint16 // alert bits seen while waiting in Tx and SendReset
	attached bool

	// Received messages, dropped when the queue is full.
	msgs chan pdmsg.Message

	buf [regDataBytes + 1]byte
}

const msgQueueSize = 10

// Polling parameters of Init, Tx and SendReset.
const (
	pollInterval = time.Millisecond
	initPolls    = 100
	txPolls      = 100
)

// ErrUninitialized is returned by Init if the controller never reports
// itself initialized.
var ErrUninitialized = errors.New("tcpci: controller not initialized")

// New creates a new driver for the controller at addr on port.
func New(port tcpcdriver.I2C, addr uint16) *TCPCI {
	return &TCPCI{
		port: port,
		addr: addr,
		msgs: make(chan pdmsg.Message, msgQueueSize),
	}
}

func (t *TCPCI) write(r uint8, d byte) error {
	t.buf[0] = r
	t.buf[1] = d
	return t.port.Tx(t.addr, t.buf[:2], nil)
}

func (t *TCPCI) write16(r uint8, d uint16) error {
	t.buf[0] = r
	t.buf[1] = byte(d)
	t.buf[2] = byte(d >> 8)
	return t.port.Tx(t.addr, t.buf[:3], nil)
}

func (t *TCPCI) read(r uint8) (byte, error) {
	t.buf[0] = r
	err := t.port.Tx(t.addr, t.buf[:1], t.buf[1:2])
	return t.buf[1], err
}

func (t *TCPCI) read16(r uint8) (uint16, error) {
	t.buf[0] = r
	err := t.port.Tx(t.addr, t.buf[:1], t.buf[1:3])
	return uint16(t.buf[1]) | uint16(t.buf[2])<<8, err
}

func (t *TCPCI) writeMany(r uint8, d []byte) error {
	t.buf[0] = r
	copy(t.buf[1:], d)
	return t.port.Tx(t.addr, t.buf[:len(d)+1], nil)
}

func (t *TCPCI) readMany(r uint8, d []byte) error {
	t.buf[0] = r
	err := t.port.Tx(t.addr, t.buf[:1], t.buf[1:len(d)+1])
	if err == nil {
		copy(d, t.buf[1:len(d)+1])
	}
	return err
}

// VendorID returns the USB vendor ID of the controller.
func (t *TCPCI) VendorID() (uint16, error) {
	return t.read16(regVendorID)
}

// Init initializes the controller for sink operation.
func (t *TCPCI) Init() error {

	// Wait for the controller to come out of reset

	for i := 0; ; i++ {
		s, err := t.read(regPowerStatus)
		if err != nil {
			return err
		}
		if s&regPowerStatusUninit == 0 {
			break
		}
		if i == initPolls {
			return ErrUninitialized
		}
		time.Sleep(pollInterval)
	}

	// Flush the receive queue

FlushReceiveQueue:
	for {
		select {
		case <-t.msgs:
		default:
			break FlushReceiveQueue
		}
	}
	// The partner may be attached already: check the CC lines on the first
	// Alert call.
	t.alert = regAlertCCStatus
	t.attached = false

	// Present Rd on both CC lines, receive nothing until attached

	if err := t.write(regRoleCtrl, regRoleCtrlRd<<2|regRoleCtrlRd); err != nil {
		return err
	}
	if err := t.write(regRxDetect, 0); err != nil {
		return err
	}
	if err := t.write(regMsgHdrInfo, 0); err != nil { // sink, UFP
		return err
	}

	// Enable and clear every alert, except the pending messages

	if err := t.write16(regAlertMask, regAlertMaskAll); err != nil {
		return err
	}
	return t.write16(regAlert, regAlertMaskAll&^regAlertRxStatus)
}

func (t *TCPCI) transmit(typ pdmsg.FrameType) error {
	if err := t.write(regTransmit, byte(typ)&0x7); err != nil {
		return err
	}

	// Wait until either:
	// - GoodCRC is received or the signal is sent: success
	// - retries are exhausted or the message was discarded: failure
	// - the polling period is over: failure

	for i := 0; i < txPolls; i++ {
		a, err := t.read16(regAlert)
		if err != nil {
			return err
		}
		if done := a & (regAlertTxSuccess | regAlertTxFailed | regAlertTxDiscarded); done != 0 {
			if err := t.write16(regAlert, done); err != nil {
				return err
			}
			t.alert |= a &^ done
			if done&regAlertTxSuccess != 0 {
				return nil
			}
			return pdlink.ErrTxFailed
		}
		t.alert |= a
		time.Sleep(pollInterval)
	}
	return pdlink.ErrTxFailed
}

// Tx transmits a message.
func (t *TCPCI) Tx(m pdmsg.Message) error {
	var b [pdmsg.MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	if err := t.write16(regTxHeader, m.Header); err != nil {
		return err
	}
	if n > 2 {
		if err := t.writeMany(regTxData, b[2:n]); err != nil {
			return err
		}
	}
	return t.transmit(m.SOP)
}

// Rx returns a received message.
func (t *TCPCI) Rx() (pdmsg.Message, error) {
	select {
	case m := <-t.msgs:
		return m, nil
	default:
		return pdmsg.Message{}, pdlink.ErrRxEmpty
	}
}

// SendReset sends a hard reset to the port partner.
func (t *TCPCI) SendReset() error {
	return t.transmit(pdmsg.TxHardReset)
}

func (t *TCPCI) rx(m *pdmsg.Message) error {
	typ, err := t.read(regRxBufFrameType)
	if err != nil {
		return err
	}
	m.SOP = pdmsg.FrameType(typ & 0x7)
	if m.Header, err = t.read16(regRxHeader); err != nil {
		return err
	}
	if l := m.DataObjectCount(); l > 0 {
		var d [regDataBytes]byte
		if err = t.readMany(regRxData, d[:]); err != nil {
			return err
		}
		for i := uint8(0); i < l; i++ {
			s := i * 4
			m.Data[i] = uint32(d[s]) | uint32(d[s+1])<<8 | uint32(d[s+2])<<16 | uint32(d[s+3])<<24
		}
	}

	// Release the buffer
	return t.write16(regAlert, regAlertRxStatus)
}

// Alert processes all pending alerts and returns any event generated as a
// result.
func (t *TCPCI) Alert() (e pdlink.Event, err error) {
	var a uint16
	if a, err = t.read16(regAlert); err != nil {
		return
	}
	a |= t.alert
	t.alert = 0
	if clr := a &^ regAlertRxStatus; clr != 0 {
		if err = t.write16(regAlert, clr); err != nil {
			return
		}
	}

	// Report hard resets

	if a&regAlertRxHardReset != 0 {
		e.Add(pdlink.EventResetReceived)
	}

	// Attachment and advertised current

	if a&regAlertCCStatus != 0 {
		var ev pdlink.Event
		if ev, err = t.ccChanged(); err != nil {
			return
		}
		e.Add(ev)
	}

	// Message received

	for a&regAlertRxStatus != 0 {
		var msg pdmsg.Message
		if err = t.rx(&msg); err != nil {
			return
		}
		if !msg.IsGoodCRC() {
			// Queue message without blocking (ie drop if queue is full which should be rare).
			select {
			case t.msgs <- msg:
			default:
			}
			e.Add(pdlink.EventRx)
		}
		if a, err = t.read16(regAlert); err != nil {
			return
		}
		t.alert |= a &^ regAlertRxStatus
	}

	return
}

func (t *TCPCI) ccChanged() (e pdlink.Event, err error) {
	var s byte
	if s, err = t.read(regCCStatus); err != nil {
		return
	}
	cc1, cc2 := s&0x3, (s>>2)&0x3

	if cc1 == 0 && cc2 == 0 {
		if t.attached {
			t.attached = false
			e.Add(pdlink.EventDetached)
			err = t.write(regRxDetect, 0)
		}
		return
	}

	// Enable rx on the CC line seeing Rp

	pol, rp := byte(0), cc1
	if cc2 > cc1 {
		pol, rp = 1, cc2
	}
	switch rp {
	case 1:
		e.Add(pdlink.EventPower0A5)
	case 2:
		e.Add(pdlink.EventPower1A5)
	case 3:
		e.Add(pdlink.EventPower3A0)
	}
	if t.attached {
		return
	}
	if err = t.write(regTCPCCtrl, pol); err != nil {
		return
	}
	if err = t.write(regRxDetect, regRxDetectSOPHardReset); err != nil {
		return
	}
	t.attached = true
	e.Add(pdlink.EventAttached)
	return
}

const (
	regVendorID = 0x00

	regAlert            = 0x10
	regAlertMask        = 0x12
	regAlertMaskAll     = 0x0FFF
	regAlertCCStatus    = 1 << 0
	regAlertRxStatus    = 1 << 2
	regAlertRxHardReset = 1 << 3
	regAlertTxFailed    = 1 << 4
	regAlertTxDiscarded = 1 << 5
	regAlertTxSuccess   = 1 << 6

	regTCPCCtrl = 0x19

	regRoleCtrl   = 0x1A
	regRoleCtrlRd = 2

	regCCStatus = 0x1D

	regPowerStatus       = 0x1E
	regPowerStatusUninit = 1 << 6

	regMsgHdrInfo = 0x2E

	regRxDetect             = 0x2F
	regRxDetectSOPHardReset = 0x21

	regRxBufFrameType = 0x31
	regRxHeader       = 0x32
	regRxData         = 0x34

	regTransmit = 0x50
	regTxHeader = 0x52
	regTxData   = 0x54

	regDataBytes = 4 * pdmsg.MaxDataObjects
)
