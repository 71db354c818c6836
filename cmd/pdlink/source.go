package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/tcpc"
)

const (
	sourcePoll       = time.Millisecond
	sourceTxTimeout  = 500 * time.Millisecond
	sourceCapsPeriod = 150 * time.Millisecond // tTypeCSendSourceCap
	sourcePSRdyDelay = 25 * time.Millisecond  // tSrcTransition
)

// source is a minimal power source driving a port controller the way a TCPM
// would: it advertises its capabilities once a sink is attached and accepts
// any request within them.
type source struct {
	port *tcpc.Port
	caps []uint32
	log  *zap.Logger

	attached bool
	id       uint8
	contract bool
	lastCaps time.Time
}

func newSource(port *tcpc.Port, caps []uint32, log *zap.Logger) *source {
	return &source{port: port, caps: caps, log: log}
}

// run serves the port until ctx is done.
func (s *source) run(ctx context.Context) {
	t := time.NewTicker(sourcePoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.poll(ctx)
	}
}

func (s *source) poll(ctx context.Context) {
	st := s.port.State()
	if st.PowerStatus&tcpc.PowerStatusUninit != 0 {
		return
	}

	pin := -1
	for i, v := range st.CC {
		if v == cc.Rd {
			pin = i
		}
	}
	switch {
	case pin >= 0 && !s.attached:
		s.attach(pdlink.Polarity(pin))
	case pin < 0 && s.attached:
		s.detach()
	}
	if !s.attached {
		return
	}

	if st.Alert&tcpc.AlertRxHardReset != 0 {
		s.port.ClearAlert(tcpc.AlertRxHardReset)
		s.log.Info("hard reset received")
		s.reset()
	}

	for {
		m, ok := s.port.DrainNext()
		if !ok {
			break
		}
		s.handle(ctx, m)
	}

	if !s.contract && time.Since(s.lastCaps) >= sourceCapsPeriod {
		s.sendCaps(ctx)
	}
}

func (s *source) attach(pol pdlink.Polarity) {
	s.attached = true
	s.log.Info("sink attached", zap.Stringer("cc", pol))
	s.port.SetPolarity(pol)
	s.port.SetMessageHeader(pdmsg.PowerRoleSource, pdmsg.DataRoleDFP)
	s.port.SetRxEnable(true)
	s.port.SetVBusPresent(true)
	s.reset()
}

func (s *source) detach() {
	s.attached = false
	s.log.Info("sink detached")
	s.port.SetRxEnable(false)
	s.port.SetVBusPresent(false)
}

func (s *source) reset() {
	s.id = 0
	s.contract = false
	s.lastCaps = time.Time{}
}

func (s *source) handle(ctx context.Context, m pdmsg.Message) {
	switch {
	case m.IsData() && m.Type() == pdmsg.TypeRequest:
		rdo := pdmsg.RequestDO(m.Data[0])
		pos := int(rdo.SelectedObjectPosition())
		if pos < 1 || pos > len(s.caps) {
			s.log.Info("request rejected", zap.Int("position", pos))
			s.send(ctx, pdmsg.TypeReject, nil)
			return
		}
		if !s.send(ctx, pdmsg.TypeAccept, nil) {
			return
		}
		time.Sleep(sourcePSRdyDelay)
		if s.send(ctx, pdmsg.TypePSReady, nil) {
			s.contract = true
			s.log.Info("contract established", zap.Stringer("pdo", pdmsg.PDO(s.caps[pos-1])))
		}
	case !m.IsData() && m.Type() == pdmsg.TypeGetSourceCap:
		s.sendCaps(ctx)
	case !m.IsData() && m.Type() == pdmsg.TypeSoftReset:
		s.reset()
		s.send(ctx, pdmsg.TypeAccept, nil)
	}
}

func (s *source) sendCaps(ctx context.Context) {
	s.lastCaps = time.Now()
	s.send(ctx, pdmsg.TypeSourceCap, s.caps)
}

// send transmits a message and waits for its outcome. The message ID
// advances only when the sink acknowledged it.
func (s *source) send(ctx context.Context, t pdmsg.Type, data []uint32) bool {
	m := pdmsg.Message{SOP: pdmsg.SOP}
	m.Header = pdmsg.NewHeader(t, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, s.id, uint8(len(data)), pdmsg.Revision20)
	copy(m.Data[:], data)

	const done = tcpc.AlertTxSuccess | tcpc.AlertTxFailed | tcpc.AlertTxDiscarded
	s.port.ClearAlert(done)
	s.port.Transmit(m)

	deadline := time.Now().Add(sourceTxTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		a := s.port.Alert() & done
		if a == 0 {
			time.Sleep(sourcePoll)
			continue
		}
		s.port.ClearAlert(a)
		if a&tcpc.AlertTxSuccess == 0 {
			s.log.Debug("transmit failed", zap.String("type", m.TypeName()))
			return false
		}
		s.id = (s.id + 1) & 7
		return true
	}
	return false
}
