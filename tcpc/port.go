// Package tcpc emulates a Type-C Port Controller on top of a software PD
// link: it keeps the TCPCI register state of each port, runs the receive
// and transmit paths from a per-port task, and raises alerts for the TCPM.
package tcpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/link"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/task"
	"github.com/oxplot/go-pdlink/trace"
)

// Alert register bits.
const (
	AlertCCStatus    uint16 = 1 << 0
	AlertPowerStatus uint16 = 1 << 1
	AlertRxStatus    uint16 = 1 << 2
	AlertRxHardReset uint16 = 1 << 3
	AlertTxFailed    uint16 = 1 << 4
	AlertTxDiscarded uint16 = 1 << 5
	AlertTxSuccess   uint16 = 1 << 6

	AlertMaskAll uint16 = 0xFFF
)

// Power status register bits.
const (
	PowerStatusVBusPresent uint8 = 1 << 2
	PowerStatusVBusDetect  uint8 = 1 << 3
	PowerStatusUninit      uint8 = 1 << 6

	PowerStatusMaskAll uint8 = 0xFF
)

// Run loop timings.
const (
	PollInterval         = 10 * time.Millisecond
	LowPowerPollInterval = 200 * time.Millisecond

	ccSettle      = time.Millisecond // CC voltage settling after a pull change
	lowPowerDelay = time.Second      // no low power right after init
	tDRPSrc       = 30 * time.Millisecond
	tDRPSnk       = 40 * time.Millisecond
)

// Stats counts what happened on a port since it was created.
type Stats struct {
	RxMessages      int
	RxDropped       int // ring full, no GoodCRC sent
	RxErrors        int
	RxHardResets    int
	RxCableResets   int
	TxSuccess       int
	TxFailed        int
	TxDiscarded     int
	AlertsRaised    int
	AlertsSignalled int
}

// Port is the controller state of one CC port. Its task runs Run, while the
// TCPM side methods may be called from any goroutine.
type Port struct {
	index  int
	phy    pdlink.PHY
	events *task.Events
	link   *link.Link
	dec    *frame.Decoder
	cfg    Config
	log    *zap.Logger

	mu              sync.Mutex
	powerRole       pdmsg.PowerRole
	dataRole        pdmsg.DataRole
	pull            cc.Pull
	polarity        pdlink.Polarity
	ccStatus        [2]cc.VoltageStatus
	rxEnabled       bool
	vconn           bool
	alert           uint16
	alertMask       uint16
	powerStatus     uint8
	powerStatusMask uint8
	ring            Ring
	txType          pdmsg.FrameType
	txHeader        uint16
	txData          [4 * pdmsg.MaxDataObjects]byte
	lowPowerTS      time.Time
	stats           Stats
}

// NewPort returns the port at index driving phy. The port reports itself
// uninitialized until Init is called.
func NewPort(index int, phy pdlink.PHY, opts ...Option) *Port {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.Logger.With(zap.Int("port", index))
	p := &Port{
		index:       index,
		phy:         phy,
		events:      task.NewEvents(),
		cfg:         cfg,
		log:         log,
		ring:        NewRing(cfg.RxBufferSize),
		pull:        cc.PullOpen,
		powerStatus: PowerStatusUninit | PowerStatusVBusDetect,
	}
	p.dec = &frame.Decoder{Mode: cfg.Mode, Port: index, Log: log, Verbosity: cfg.Verbosity}
	p.link = link.New(phy, p.events,
		link.WithDecoder(p.dec),
		link.WithRetryCount(cfg.RetryCount),
		link.WithRxTimeout(cfg.RxTimeout),
		link.WithLogger(log),
		link.WithVerbosity(cfg.Verbosity),
	)
	if n, ok := phy.(pdlink.RxNotifier); ok {
		n.NotifyRx(func() { p.events.Set(task.EventRx) })
	}
	return p
}

// Index returns the port number.
func (p *Port) Index() int {
	return p.index
}

// Events returns the event set the port task waits on.
func (p *Port) Events() *task.Events {
	return p.events
}

// Init puts the port in its power-on state: default termination, reception
// disabled, fresh CC readings, all alerts enabled. The power status alert is
// raised and the port reports itself initialized.
func (p *Port) Init() {
	pull := cc.PullRd
	if p.cfg.DefaultRole == pdmsg.PowerRoleSource {
		pull = cc.PullRp
	}
	p.phy.SetHostMode(pull == cc.PullRp)
	p.phy.DisableMonitoring()

	p.mu.Lock()
	p.pull = pull
	p.lowPowerTS = p.cfg.Now().Add(lowPowerDelay)
	p.rxEnabled = false
	for i := range p.ccStatus {
		p.ccStatus[i] = p.cfg.Thresholds.Classify(pull, p.phy.ReadCC(i))
	}
	p.alertMask = AlertMaskAll
	p.powerStatusMask = PowerStatusMaskAll
	p.mu.Unlock()

	p.raise(AlertPowerStatus)

	p.mu.Lock()
	p.powerStatus &^= PowerStatusUninit
	p.mu.Unlock()
	p.log.Info("port initialized", zap.Stringer("pull", pull))
}

// Run initializes the port then serves it until ctx is done.
func (p *Port) Run(ctx context.Context) error {
	p.Init()
	timeout := PollInterval
	for {
		evt, err := p.events.Wait(ctx, task.EventAll, timeout)
		switch {
		case errors.Is(err, task.ErrTimeout):
			evt = 0
		case err != nil:
			return err
		}
		timeout = p.Step(ctx, evt)
	}
}

// Step runs the port task once for the events evt: it processes a received
// frame, then either performs the requested transmission or samples the CC
// pins. It returns the delay after which it should run again if no event
// occurs.
func (p *Port) Step(ctx context.Context, evt task.Event) time.Duration {
	p.mu.Lock()
	rxEnabled := p.rxEnabled
	p.mu.Unlock()

	if p.phy.RxStarted() {
		if rxEnabled {
			p.receive()
		} else {
			p.phy.RxComplete()
		}
	}

	if evt&task.EventTx != 0 && rxEnabled {
		p.transmit(ctx)
	} else {
		if evt&task.EventTx != 0 {
			p.txDone(pdlink.ErrDisabled)
		}
		if evt&task.EventCC != 0 {
			time.Sleep(ccSettle)
		}
		p.sampleCC()
	}

	// Wake up on the next frame.
	if rxEnabled {
		p.phy.EnableMonitoring()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.LowPower && !p.cfg.Now().Before(p.lowPowerTS) && p.pull == cc.PullRd &&
		p.ccStatus[0] == cc.Open && p.ccStatus[1] == cc.Open {
		return LowPowerPollInterval
	}
	return PollInterval
}

func (p *Port) receive() {
	m, err := p.dec.Decode(p.phy)
	p.phy.RxComplete()
	p.trace(trace.Rx, m, err)

	switch {
	case err == nil:
		p.mu.Lock()
		ok := p.ring.Push(m)
		pr, dr := p.powerRole, p.dataRole
		if ok {
			p.stats.RxMessages++
		} else {
			p.stats.RxDropped++
		}
		p.mu.Unlock()
		if !ok {
			// No GoodCRC: the partner retries once the TCPM catches up.
			p.log.Debug("rx buffer full, message dropped", zap.Stringer("msg", m))
			return
		}
		if p.cfg.Verbosity.Level() >= 1 {
			p.log.Debug("rx", zap.Stringer("msg", m))
		}
		if !m.IsGoodCRC() {
			p.link.SendGoodCRC(m, pr, dr)
		} else {
			p.phy.EnableMonitoring()
		}
		p.raise(AlertRxStatus)

	case errors.Is(err, pdlink.ErrHardReset):
		p.count(func(s *Stats) { s.RxHardResets++ })
		p.log.Info("hard reset received")
		p.raise(AlertRxHardReset)

	case errors.Is(err, pdlink.ErrCableReset):
		p.count(func(s *Stats) { s.RxCableResets++ })

	default:
		p.count(func(s *Stats) { s.RxErrors++ })
	}
}

func (p *Port) transmit(ctx context.Context) {
	p.mu.Lock()
	m := p.txMessage()
	p.mu.Unlock()

	var err error
	switch typ := m.SOP; {
	case typ.IsMessage() && p.cfg.Mode.Accepts(typ):
		_, err = p.link.SendAndValidate(ctx, m)
	case typ == pdmsg.TxBISTMode2:
		p.log.Info("BIST carrier mode 2")
		if err = p.link.SendBIST(ctx); ctx.Err() != nil {
			err = nil
		}
	case typ == pdmsg.TxHardReset:
		_, err = p.link.SendHardReset()
	case typ == pdmsg.TxCableReset:
		_, err = p.link.SendCableReset()
	default:
		err = pdlink.ErrDisabled
	}
	p.trace(trace.Tx, m, err)
	p.txDone(err)
}

func (p *Port) txDone(err error) {
	switch {
	case err == nil:
		p.count(func(s *Stats) { s.TxSuccess++ })
		p.raise(AlertTxSuccess)
	case errors.Is(err, pdlink.ErrNoAck):
		p.count(func(s *Stats) { s.TxFailed++ })
		p.raise(AlertTxFailed)
	default:
		p.count(func(s *Stats) { s.TxDiscarded++ })
		p.log.Debug("tx discarded", zap.Error(err))
		mask := AlertTxDiscarded
		if errors.Is(err, pdlink.ErrHardReset) {
			p.count(func(s *Stats) { s.RxHardResets++ })
			mask |= AlertRxHardReset
		}
		p.raise(mask)
	}
}

// txMessage builds the message described by the transmit registers. p.mu
// must be held.
func (p *Port) txMessage() pdmsg.Message {
	var b [pdmsg.MaxMessageBytes]byte
	b[0], b[1] = byte(p.txHeader), byte(p.txHeader>>8)
	copy(b[2:], p.txData[:])
	m := pdmsg.Message{SOP: p.txType}
	_ = m.FromBytes(b[:])
	return m
}

func (p *Port) sampleCC() {
	var mv [2]int
	for i := range mv {
		mv[i] = p.phy.ReadCC(i)
	}
	p.mu.Lock()
	changed := false
	for i := range mv {
		if s := p.cfg.Thresholds.Classify(p.pull, mv[i]); s != p.ccStatus[i] {
			p.ccStatus[i] = s
			changed = true
		}
	}
	cc1, cc2 := p.ccStatus[0], p.ccStatus[1]
	p.mu.Unlock()
	if changed {
		p.log.Debug("cc status", zap.Stringer("cc1", cc1), zap.Stringer("cc2", cc2))
		p.raise(AlertCCStatus)
	}
}

// raise sets alert bits and signals the TCPM if any of them is enabled.
func (p *Port) raise(mask uint16) {
	p.mu.Lock()
	p.alert |= mask
	p.stats.AlertsRaised++
	signal := p.alertMask&mask != 0
	if signal {
		p.stats.AlertsSignalled++
	}
	p.mu.Unlock()
	if signal && p.cfg.AlertHandler != nil {
		p.cfg.AlertHandler(p)
	}
}

func (p *Port) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func (p *Port) trace(dir trace.Direction, m pdmsg.Message, err error) {
	if p.cfg.Tracer == nil {
		return
	}
	if terr := p.cfg.Tracer.Record(trace.New(p.index, dir, m, err)); terr != nil {
		p.log.Warn("trace", zap.Error(terr))
	}
}

// Alert returns the alert register.
func (p *Port) Alert() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alert
}

// ClearAlert clears the alert bits in mask. Clearing the receive status
// releases the oldest received message; the bit stays set as long as more
// messages are waiting.
func (p *Port) ClearAlert(mask uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearAlert(mask)
}

func (p *Port) clearAlert(mask uint16) {
	if mask&AlertRxStatus != 0 && !p.ring.Empty() {
		p.ring.Advance()
		if !p.ring.Empty() {
			mask &^= AlertRxStatus
		}
	}
	p.alert &^= mask
}

// SetAlertMask selects the alerts that are signalled.
func (p *Port) SetAlertMask(mask uint16) {
	p.mu.Lock()
	p.alertMask = mask
	p.mu.Unlock()
}

// SetPowerStatusMask selects the power status bits that raise an alert.
func (p *Port) SetPowerStatusMask(mask uint8) {
	p.mu.Lock()
	p.powerStatusMask = mask
	p.mu.Unlock()
}

// ReceivedMessage returns the oldest received message without releasing
// it. ok is false if no message is waiting.
func (p *Port) ReceivedMessage() (m pdmsg.Message, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Tail(), !p.ring.Empty()
}

// DrainNext returns and releases the oldest received message, as reading it
// then clearing the receive status alert does.
func (p *Port) DrainNext() (pdmsg.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ring.Empty() {
		return pdmsg.Message{}, false
	}
	m := p.ring.Tail()
	p.clearAlert(AlertRxStatus)
	return m, true
}

// SetCC applies the termination pull on both CC pins. Until the port task
// has sampled the pins again, both report open.
func (p *Port) SetCC(pull cc.Pull) {
	p.mu.Lock()
	if p.pull == pull {
		p.mu.Unlock()
		return
	}
	p.pull = pull
	// Only go low power when not toggling between roles.
	p.lowPowerTS = p.cfg.Now().Add(2 * (tDRPSrc + tDRPSnk))
	p.ccStatus = [2]cc.VoltageStatus{cc.Open, cc.Open}
	p.mu.Unlock()

	p.phy.SetHostMode(pull == cc.PullRp)
	p.events.Set(task.EventCC)
}

// SetPolarity selects the CC pin used for communication.
func (p *Port) SetPolarity(pol pdlink.Polarity) {
	p.mu.Lock()
	p.polarity = pol
	p.mu.Unlock()
	p.phy.SelectPolarity(pol)
	p.link.SetPolarity(pol)
}

// SetVconn records the VCONN enable. The PHY has no VCONN switch.
func (p *Port) SetVconn(on bool) {
	p.mu.Lock()
	p.vconn = on
	p.mu.Unlock()
}

// SetRxEnable enables or disables message reception. Transmission requests
// are discarded while reception is disabled.
func (p *Port) SetRxEnable(on bool) {
	p.mu.Lock()
	p.rxEnabled = on
	p.mu.Unlock()
	if !on {
		p.phy.DisableMonitoring()
	}
}

// SetMessageHeader sets the roles used in GoodCRC messages.
func (p *Port) SetMessageHeader(pr pdmsg.PowerRole, dr pdmsg.DataRole) {
	p.mu.Lock()
	p.powerRole, p.dataRole = pr, dr
	p.mu.Unlock()
}

// Transmit requests the transmission of m. m.SOP selects the frame type,
// including the reset and BIST signals. Completion is reported through the
// TX alerts.
func (p *Port) Transmit(m pdmsg.Message) {
	p.mu.Lock()
	p.txType = m.SOP
	p.txHeader = m.Header
	p.txData = [len(p.txData)]byte{}
	var b [pdmsg.MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	copy(p.txData[:], b[2:n])
	p.mu.Unlock()
	p.events.Set(task.EventTx)
}

// SetVBusPresent updates the VBUS present status bit and raises the power
// status alert when the bit is enabled in the power status mask.
func (p *Port) SetVBusPresent(present bool) {
	p.mu.Lock()
	if present {
		p.powerStatus |= PowerStatusVBusPresent
	} else {
		p.powerStatus &^= PowerStatusVBusPresent
	}
	notify := p.powerStatusMask&PowerStatusVBusPresent != 0
	p.mu.Unlock()
	if notify {
		p.raise(AlertPowerStatus)
	}
	p.events.Set(task.EventWake)
}

// Stats returns a copy of the port counters.
func (p *Port) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// State is a snapshot of the port registers, as shown by the console.
type State struct {
	Port            int
	RxEnabled       bool
	Pull            cc.Pull
	CC              [2]cc.VoltageStatus
	Polarity        pdlink.Polarity
	Alert           uint16
	AlertMask       uint16
	PowerStatus     uint8
	PowerStatusMask uint8
	RxQueued        int
}

func (s State) String() string {
	en := "Dis"
	if s.RxEnabled {
		en = "Ena"
	}
	return fmt.Sprintf("Port C%d, %s - CC:%d, CC0:%d, CC1:%d\n"+
		"Alert: 0x%02x Mask: 0x%04x\n"+
		"Power Status: 0x%02x Mask: 0x%02x\n",
		s.Port, en, s.Pull, s.CC[0], s.CC[1],
		s.Alert, s.AlertMask, s.PowerStatus, s.PowerStatusMask)
}

// State returns a snapshot of the port registers.
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Port:            p.index,
		RxEnabled:       p.rxEnabled,
		Pull:            p.pull,
		CC:              p.ccStatus,
		Polarity:        p.polarity,
		Alert:           p.alert,
		AlertMask:       p.alertMask,
		PowerStatus:     p.powerStatus,
		PowerStatusMask: p.powerStatusMask,
		RxQueued:        p.ring.Len(),
	}
}
