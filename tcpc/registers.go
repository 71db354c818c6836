package tcpc

import (
	"encoding/binary"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/task"
)

// TCPCI register addresses.
const (
	RegVendorID        = 0x00
	RegProductID       = 0x02
	RegBCDDevice       = 0x04
	RegAlert           = 0x10
	RegAlertMask       = 0x12
	RegPowerStatusMask = 0x14
	RegTCPCCtrl        = 0x19
	RegRoleCtrl        = 0x1A
	RegPowerCtrl       = 0x1C
	RegCCStatus        = 0x1D
	RegPowerStatus     = 0x1E
	RegMsgHdrInfo      = 0x2E
	RegRxDetect        = 0x2F
	RegRxByteCount     = 0x30
	RegRxBufFrameType  = 0x31
	RegRxHeader        = 0x32
	RegRxData          = 0x34
	RegTransmit        = 0x50
	RegTxHeader        = 0x52
	RegTxData          = 0x54
)

// Register field values.
const (
	RxDetectSOPHardReset = 0x21 // SOP messages and hard reset
	PowerCtrlVconn       = 1 << 0
	TCPCCtrlPolarity     = 1 << 0
)

// RoleCtrl encodes the ROLE_CTRL register.
func RoleCtrl(drp bool, rp uint8, cc1, cc2 cc.Pull) uint8 {
	var d uint8
	if drp {
		d = 1
	}
	return d<<6 | (rp&3)<<4 | uint8(cc2&3)<<2 | uint8(cc1&3)
}

// CCStatus encodes the CC_STATUS register. term is set when the port
// presents Rd.
func CCStatus(term bool, cc1, cc2 cc.VoltageStatus) uint8 {
	var t uint8
	if term {
		t = 1
	}
	return t<<4 | uint8(cc2&3)<<2 | uint8(cc1&3)
}

// MsgHdrInfo encodes the MSG_HDR_INFO register.
func MsgHdrInfo(dr pdmsg.DataRole, pr pdmsg.PowerRole) uint8 {
	return uint8(dr&1)<<3 | uint8(pr&1)
}

// RxBufferBytes is the size of the RX_DATA and TX_DATA registers.
const RxBufferBytes = 4 * pdmsg.MaxDataObjects

// Process performs one register access as received on the bus: payload[0]
// is the register address. For a write, the value follows it and the
// returned length is zero. For a read, the register value is stored in
// payload, which must be at least RxBufferBytes long, and its length is
// returned.
func (p *Port) Process(read bool, payload []byte) int {
	if p.cfg.Verbosity.Level() >= 1 {
		p.log.Debug("tcpci", zap.Bool("read", read), zap.String("payload", hex.EncodeToString(payload)))
	}
	if len(payload) == 0 {
		return 0
	}
	if read {
		return p.ReadRegister(payload[0], payload)
	}
	if len(payload) < 2 {
		return 0
	}
	p.WriteRegister(payload)
	return 0
}

// ReadRegister stores the value of reg in buf and returns its length. Reads
// of unknown registers return zero. 16 bit registers are little endian.
func (p *Port) ReadRegister(reg uint8, buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch reg {
	case RegVendorID:
		binary.LittleEndian.PutUint16(buf, p.cfg.VendorID)
		return 2
	case RegProductID:
		binary.LittleEndian.PutUint16(buf, p.cfg.ProductID)
		return 2
	case RegBCDDevice:
		binary.LittleEndian.PutUint16(buf, p.cfg.BCDDevice)
		return 2
	case RegCCStatus:
		buf[0] = CCStatus(p.pull == cc.PullRd, p.ccStatus[0], p.ccStatus[1])
		return 1
	case RegRoleCtrl:
		buf[0] = RoleCtrl(false, 0, p.pull, p.pull)
		return 1
	case RegTCPCCtrl:
		buf[0] = uint8(p.polarity) & TCPCCtrlPolarity
		return 1
	case RegPowerCtrl:
		buf[0] = 0
		if p.vconn {
			buf[0] = PowerCtrlVconn
		}
		return 1
	case RegMsgHdrInfo:
		buf[0] = MsgHdrInfo(p.dataRole, p.powerRole)
		return 1
	case RegRxDetect:
		buf[0] = 0
		if p.rxEnabled {
			buf[0] = RxDetectSOPHardReset
		}
		return 1
	case RegAlert:
		binary.LittleEndian.PutUint16(buf, p.alert)
		return 2
	case RegAlertMask:
		binary.LittleEndian.PutUint16(buf, p.alertMask)
		return 2
	case RegRxByteCount:
		m := p.ring.Tail()
		buf[0] = 3 + 4*m.DataObjectCount()
		return 1
	case RegRxBufFrameType:
		buf[0] = uint8(p.ring.Tail().SOP)
		return 1
	case RegRxHeader:
		binary.LittleEndian.PutUint16(buf, p.ring.Tail().Header)
		return 2
	case RegRxData:
		m := p.ring.Tail()
		for i, d := range m.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], d)
		}
		return RxBufferBytes
	case RegPowerStatus:
		buf[0] = p.powerStatus
		return 1
	case RegPowerStatusMask:
		buf[0] = p.powerStatusMask
		return 1
	case RegTxHeader:
		binary.LittleEndian.PutUint16(buf, p.txHeader)
		return 2
	case RegTxData:
		return copy(buf, p.txData[:])
	}
	return 0
}

// WriteRegister applies a register write, payload[0] being the address.
// Writes are ignored until the port is initialized.
func (p *Port) WriteRegister(payload []byte) {
	if len(payload) < 2 {
		return
	}
	p.mu.Lock()
	uninit := p.powerStatus&PowerStatusUninit != 0
	p.mu.Unlock()
	if uninit {
		return
	}

	v := payload[1:]
	u16 := func() uint16 {
		if len(v) < 2 {
			return uint16(v[0])
		}
		return binary.LittleEndian.Uint16(v)
	}

	switch payload[0] {
	case RegRoleCtrl:
		p.SetCC(cc.Pull(v[0] & 3))
	case RegPowerCtrl:
		p.SetVconn(v[0]&PowerCtrlVconn != 0)
	case RegTCPCCtrl:
		p.SetPolarity(pdlink.Polarity(v[0] & TCPCCtrlPolarity))
	case RegMsgHdrInfo:
		p.SetMessageHeader(pdmsg.PowerRole(v[0]&1), pdmsg.DataRole((v[0]>>3)&1))
	case RegAlert:
		p.ClearAlert(u16())
	case RegAlertMask:
		p.SetAlertMask(u16())
	case RegRxDetect:
		p.SetRxEnable(v[0]&RxDetectSOPHardReset != 0)
	case RegPowerStatusMask:
		p.SetPowerStatusMask(v[0])
	case RegTxHeader:
		p.mu.Lock()
		p.txHeader = u16()
		p.mu.Unlock()
	case RegTxData:
		p.mu.Lock()
		copy(p.txData[:], v)
		p.mu.Unlock()
	case RegTransmit:
		p.mu.Lock()
		p.txType = pdmsg.FrameType(v[0] & 7)
		p.mu.Unlock()
		p.events.Set(task.EventTx)
	}
}
