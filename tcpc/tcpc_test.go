package tcpc_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/simphy"
	"github.com/oxplot/go-pdlink/task"
	"github.com/oxplot/go-pdlink/tcpc"
	"github.com/oxplot/go-pdlink/trace"
)

func request(id uint8) pdmsg.Message {
	m := pdmsg.Message{Header: pdmsg.NewHeader(pdmsg.TypeRequest, pdmsg.PowerRoleSink, pdmsg.DataRoleUFP, id, 1, pdmsg.Revision20)}
	m.Data[0] = 0x1304b12c
	return m
}

func goodCRC(id uint8) pdmsg.Message {
	return pdmsg.Message{Header: pdmsg.NewHeader(pdmsg.TypeGoodCRC, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, id, 0, pdmsg.Revision20)}
}

func encode(m pdmsg.Message) []byte {
	return simphy.Encode(func(w pdlink.SymbolWriter) int { return frame.WriteMessage(w, m) })
}

func decode(cells []byte) (pdmsg.Message, error) {
	p := simphy.New()
	p.Inject(cells)
	return (&frame.Decoder{Mode: frame.ModeSOPStar}).Decode(p)
}

func readReg(p *tcpc.Port, reg uint8) []byte {
	buf := make([]byte, tcpc.RxBufferBytes)
	n := p.ReadRegister(reg, buf)
	return buf[:n]
}

type alertCounter struct{ n int }

func (a *alertCounter) handle(*tcpc.Port) { a.n++ }

// newPort returns an initialized port with all alerts cleared.
func newPort(t *testing.T, opts ...tcpc.Option) (*tcpc.Port, *simphy.PHY, *alertCounter) {
	t.Helper()
	phy := simphy.New()
	ac := &alertCounter{}
	opts = append([]tcpc.Option{
		tcpc.WithRxTimeout(5 * time.Millisecond),
		tcpc.WithAlertHandler(ac.handle),
	}, opts...)
	p := tcpc.NewPort(0, phy, opts...)
	p.Init()
	p.ClearAlert(0xFFFF)
	ac.n = 0
	return p, phy, ac
}

func enableRx(p *tcpc.Port) {
	p.WriteRegister([]byte{tcpc.RegRxDetect, tcpc.RxDetectSOPHardReset})
}

func TestInit(t *testing.T) {
	phy := simphy.New()
	p := tcpc.NewPort(0, phy)

	if got := readReg(p, tcpc.RegPowerStatus); got[0] != tcpc.PowerStatusUninit|tcpc.PowerStatusVBusDetect {
		t.Errorf("power status before init: 0x%02x", got[0])
	}
	p.WriteRegister([]byte{tcpc.RegAlertMask, 0x34, 0x12})
	p.WriteRegister([]byte{tcpc.RegRoleCtrl, byte(tcpc.RoleCtrl(false, 0, cc.PullRp, cc.PullRp))})

	p.Init()

	tests := []struct {
		reg  uint8
		want []byte
	}{
		{tcpc.RegVendorID, []byte{0xD1, 0x18}},
		{tcpc.RegProductID, []byte{0x11, 0x50}},
		{tcpc.RegPowerStatus, []byte{tcpc.PowerStatusVBusDetect}},
		{tcpc.RegPowerStatusMask, []byte{0xFF}},
		{tcpc.RegAlert, []byte{byte(tcpc.AlertPowerStatus), 0}},
		{tcpc.RegAlertMask, []byte{0xFF, 0x0F}},
		{tcpc.RegRoleCtrl, []byte{0x0A}},
		{tcpc.RegCCStatus, []byte{0x10}},
		{tcpc.RegRxDetect, []byte{0}},
		{0x7F, []byte{}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, readReg(p, tt.reg)); diff != "" {
			t.Errorf("register 0x%02x (-want +got):\n%s", tt.reg, diff)
		}
	}
}

func TestRegisterWrites(t *testing.T) {
	p, phy, _ := newPort(t)

	p.WriteRegister([]byte{tcpc.RegTCPCCtrl, tcpc.TCPCCtrlPolarity})
	p.WriteRegister([]byte{tcpc.RegMsgHdrInfo, tcpc.MsgHdrInfo(pdmsg.DataRoleDFP, pdmsg.PowerRoleSource)})
	p.WriteRegister([]byte{tcpc.RegPowerCtrl, tcpc.PowerCtrlVconn})
	p.WriteRegister([]byte{tcpc.RegPowerStatusMask, 0x04})
	p.WriteRegister([]byte{tcpc.RegTxHeader, 0x34, 0x12})
	p.WriteRegister([]byte{tcpc.RegTxData, 1, 2, 3, 4})
	enableRx(p)

	if phy.Polarity() != pdlink.PolarityCC2 {
		t.Error("polarity not routed to the PHY")
	}
	tests := []struct {
		reg  uint8
		want []byte
	}{
		{tcpc.RegTCPCCtrl, []byte{1}},
		{tcpc.RegMsgHdrInfo, []byte{0x09}},
		{tcpc.RegPowerCtrl, []byte{1}},
		{tcpc.RegPowerStatusMask, []byte{0x04}},
		{tcpc.RegTxHeader, []byte{0x34, 0x12}},
		{tcpc.RegRxDetect, []byte{0x21}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, readReg(p, tt.reg)); diff != "" {
			t.Errorf("register 0x%02x (-want +got):\n%s", tt.reg, diff)
		}
	}
	if got := readReg(p, tcpc.RegTxData); !bytes.HasPrefix(got, []byte{1, 2, 3, 4, 0}) {
		t.Errorf("tx data % x", got)
	}
}

func TestProcess(t *testing.T) {
	p, _, _ := newPort(t)

	if n := p.Process(false, []byte{tcpc.RegAlertMask}); n != 0 {
		t.Errorf("short write returned %d", n)
	}
	p.Process(false, []byte{tcpc.RegAlertMask, 0x04, 0x00})
	buf := make([]byte, tcpc.RxBufferBytes)
	buf[0] = tcpc.RegAlertMask
	if n := p.Process(true, buf); n != 2 || buf[0] != 0x04 || buf[1] != 0 {
		t.Errorf("read % x", buf[:n])
	}
}

func TestCCChangeAlertsOnce(t *testing.T) {
	p, phy, ac := newPort(t)
	ctx := context.Background()

	phy.SetCC(0, 1310)
	p.Step(ctx, 0)
	if p.Alert()&tcpc.AlertCCStatus == 0 || ac.n != 1 {
		t.Fatalf("alert 0x%04x, %d signals", p.Alert(), ac.n)
	}
	p.Step(ctx, 0)
	if ac.n != 1 {
		t.Errorf("%d signals for a single change", ac.n)
	}
	if got := readReg(p, tcpc.RegCCStatus); got[0] != 0x13 {
		t.Errorf("cc status 0x%02x", got[0])
	}
	if got := p.State().CC; got != [2]cc.VoltageStatus{cc.Rp3A0, cc.Open} {
		t.Errorf("cc %v", got)
	}
}

func TestSetCCReportsOpenUntilSampled(t *testing.T) {
	p, phy, _ := newPort(t)
	phy.SetCC(1, 1310)
	p.Step(context.Background(), 0)

	p.WriteRegister([]byte{tcpc.RegRoleCtrl, tcpc.RoleCtrl(false, 0, cc.PullRp, cc.PullRp)})
	if got := p.State(); got.Pull != cc.PullRp || got.CC != [2]cc.VoltageStatus{cc.Open, cc.Open} {
		t.Fatalf("state after SetCC: %+v", got)
	}
	if p.Events().Pending()&task.EventCC == 0 {
		t.Error("cc event not set")
	}
	p.Step(context.Background(), task.EventCC)
	if got := p.State().CC[1]; got != cc.Rd {
		t.Errorf("cc2 %s, want Rd", got)
	}
}

func TestAlertMask(t *testing.T) {
	p, phy, ac := newPort(t)
	p.SetAlertMask(tcpc.AlertRxStatus)
	phy.SetCC(0, 1310)
	p.Step(context.Background(), 0)
	if p.Alert()&tcpc.AlertCCStatus == 0 {
		t.Error("masked alert not latched")
	}
	if ac.n != 0 {
		t.Errorf("masked alert signalled %d times", ac.n)
	}
}

func TestReceive(t *testing.T) {
	p, phy, ac := newPort(t)
	ctx := context.Background()
	enableRx(p)

	var acks []pdmsg.Message
	phy.Tap(func(f []byte) {
		m, err := decode(f)
		if err != nil {
			t.Errorf("bad ack: %v", err)
		}
		acks = append(acks, m)
	})

	for id := uint8(1); id <= 3; id++ {
		phy.Inject(encode(request(id)))
		p.Step(ctx, task.EventRx)
	}

	// The third message finds the buffer full and is not acknowledged.
	if len(acks) != 2 {
		t.Fatalf("%d acks, want 2", len(acks))
	}
	for i, m := range acks {
		if !m.IsGoodCRC() || m.ID() != uint8(i+1) {
			t.Errorf("ack %d: %s", i, m)
		}
	}
	if got := p.Stats(); got.RxMessages != 2 || got.RxDropped != 1 {
		t.Errorf("stats %+v", got)
	}
	if ac.n != 2 {
		t.Errorf("%d signals", ac.n)
	}
	if phy.Queued() != 0 {
		t.Errorf("%d frames left in the PHY", phy.Queued())
	}

	want := request(1)
	if got := readReg(p, tcpc.RegRxByteCount); got[0] != 7 {
		t.Errorf("byte count %d", got[0])
	}
	if diff := cmp.Diff([]byte{byte(want.Header), byte(want.Header >> 8)}, readReg(p, tcpc.RegRxHeader)); diff != "" {
		t.Errorf("rx header (-want +got):\n%s", diff)
	}
	if got := readReg(p, tcpc.RegRxData); !bytes.HasPrefix(got, []byte{0x2c, 0xb1, 0x04, 0x13}) {
		t.Errorf("rx data % x", got)
	}

	p.WriteRegister([]byte{tcpc.RegAlert, byte(tcpc.AlertRxStatus), 0})
	if p.Alert()&tcpc.AlertRxStatus == 0 {
		t.Error("rx status cleared with a message left")
	}
	m, ok := p.DrainNext()
	if !ok || m.ID() != 2 {
		t.Errorf("drained %s, %v", m, ok)
	}
	if p.Alert()&tcpc.AlertRxStatus != 0 {
		t.Error("rx status still set")
	}
	if _, ok := p.DrainNext(); ok {
		t.Error("buffer not empty")
	}
}

func TestReceiveBufferSize(t *testing.T) {
	tests := []struct {
		size, want int
	}{
		{-1, 1},
		{0, 1},
		{3, 3},
	}
	for _, tt := range tests {
		p, phy, _ := newPort(t, tcpc.WithRxBufferSize(tt.size))
		enableRx(p)
		for id := uint8(0); id <= 4; id++ {
			phy.Inject(encode(request(id)))
			p.Step(context.Background(), task.EventRx)
		}
		if got := p.Stats().RxMessages; got != tt.want {
			t.Errorf("size %d: %d messages held, want %d", tt.size, got, tt.want)
		}
	}
}

func TestReceiveGoodCRCNotAcked(t *testing.T) {
	p, phy, _ := newPort(t)
	enableRx(p)
	phy.Tap(func([]byte) { t.Error("GoodCRC acknowledged") })
	phy.Inject(encode(goodCRC(0)))
	p.Step(context.Background(), task.EventRx)
	if p.Alert()&tcpc.AlertRxStatus == 0 {
		t.Error("no rx status")
	}
}

func TestReceiveDisabledDiscards(t *testing.T) {
	p, phy, _ := newPort(t)
	phy.Inject(encode(request(0)))
	p.Step(context.Background(), task.EventRx)
	if phy.Queued() != 0 {
		t.Error("frame not released")
	}
	if _, ok := p.ReceivedMessage(); ok || p.Alert() != 0 {
		t.Errorf("alert 0x%04x", p.Alert())
	}
}

func TestReceiveHardReset(t *testing.T) {
	p, phy, _ := newPort(t)
	enableRx(p)
	phy.Inject(simphy.Encode(frame.WriteHardReset))
	p.Step(context.Background(), task.EventRx)
	if p.Alert() != tcpc.AlertRxHardReset {
		t.Errorf("alert 0x%04x", p.Alert())
	}
	if p.Stats().RxHardResets != 1 {
		t.Errorf("stats %+v", p.Stats())
	}
}

type recorder []trace.Record

func (r *recorder) Record(rec trace.Record) error {
	*r = append(*r, rec)
	return nil
}

func TestTransmit(t *testing.T) {
	tests := []struct {
		name      string
		rx        bool
		ack       bool
		msg       pdmsg.Message
		wantAlert uint16
		wantSent  int
	}{
		{"acknowledged", true, true, request(5), tcpc.AlertTxSuccess, 1},
		{"no ack", true, false, request(5), tcpc.AlertTxFailed, 4},
		{"rx disabled", false, true, request(5), tcpc.AlertTxDiscarded, 0},
		{"hard reset", true, false, pdmsg.Message{SOP: pdmsg.TxHardReset}, tcpc.AlertTxSuccess, 1},
		{"cable reset", true, false, pdmsg.Message{SOP: pdmsg.TxCableReset}, tcpc.AlertTxSuccess, 1},
		{"sop' not enabled", true, true, pdmsg.Message{SOP: pdmsg.SOPPrime, Header: request(5).Header}, tcpc.AlertTxDiscarded, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p, phy, _ := newPort(t, tcpc.WithTracer(rec))
			if tt.rx {
				enableRx(p)
			}
			if tt.ack {
				phy.Tap(func(f []byte) {
					if m, err := decode(f); err == nil && !m.IsGoodCRC() {
						phy.Inject(encode(goodCRC(m.ID())))
					}
				})
			}

			p.WriteRegister([]byte{tcpc.RegTxHeader, byte(tt.msg.Header), byte(tt.msg.Header >> 8)})
			p.WriteRegister([]byte{tcpc.RegTxData, 0x2c, 0xb1, 0x04, 0x13})
			p.WriteRegister([]byte{tcpc.RegTransmit, byte(tt.msg.SOP)})
			if p.Events().Pending()&task.EventTx == 0 {
				t.Fatal("transmit event not set")
			}

			p.Step(context.Background(), task.EventTx)
			if got := p.Alert() &^ tcpc.AlertRxStatus; got != tt.wantAlert {
				t.Errorf("alert 0x%04x, want 0x%04x", got, tt.wantAlert)
			}
			if got := phy.TxCount(); got != tt.wantSent {
				t.Errorf("sent %d, want %d", got, tt.wantSent)
			}
			if tt.rx && (len(*rec) == 0 || (*rec)[0].Dir != trace.Tx || (*rec)[0].Header != tt.msg.Header) {
				t.Errorf("trace %v", *rec)
			}
		})
	}
}

func TestTransmitHardResetOnLine(t *testing.T) {
	p, phy, _ := newPort(t)
	enableRx(p)
	var sent []byte
	phy.Tap(func(f []byte) { sent = f })
	p.Transmit(pdmsg.Message{SOP: pdmsg.TxHardReset})
	p.Step(context.Background(), task.EventTx)
	if _, err := decode(sent); !errors.Is(err, pdlink.ErrHardReset) {
		t.Fatalf("got %v", err)
	}
}

func TestPollInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	p, phy, _ := newPort(t, tcpc.WithLowPower(true), tcpc.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if d := p.Step(ctx, 0); d != tcpc.PollInterval {
		t.Errorf("right after init: %v", d)
	}
	now = now.Add(2 * time.Second)
	if d := p.Step(ctx, 0); d != tcpc.LowPowerPollInterval {
		t.Errorf("detached sink: %v", d)
	}
	phy.SetCC(0, 1310)
	if d := p.Step(ctx, 0); d != tcpc.PollInterval {
		t.Errorf("attached: %v", d)
	}
	phy.SetCC(0, -1)
	p.SetCC(cc.PullRp)
	now = now.Add(2 * time.Second)
	if d := p.Step(ctx, 0); d != tcpc.PollInterval {
		t.Errorf("source: %v", d)
	}
}

func TestVBusPresent(t *testing.T) {
	p, _, ac := newPort(t)
	p.SetVBusPresent(true)
	if got := readReg(p, tcpc.RegPowerStatus)[0]; got&tcpc.PowerStatusVBusPresent == 0 {
		t.Errorf("power status 0x%02x", got)
	}
	if p.Alert() != tcpc.AlertPowerStatus || ac.n != 1 {
		t.Errorf("alert 0x%04x, %d signals", p.Alert(), ac.n)
	}
	p.ClearAlert(0xFFFF)
	p.SetPowerStatusMask(0)
	p.SetVBusPresent(false)
	if p.Alert() != 0 {
		t.Errorf("masked power status raised 0x%04x", p.Alert())
	}
}

func TestConsole(t *testing.T) {
	c := tcpc.NewController([]pdlink.PHY{simphy.New(), simphy.New()})
	c.Port(1).Init()

	var out bytes.Buffer
	if err := c.Console(&out, []string{"dump"}); err != nil || out.String() != "lvl: 0\n" {
		t.Errorf("dump: %q, %v", out.String(), err)
	}
	if err := c.Console(&out, []string{"dump", "2"}); err != nil || c.Verbosity().Level() != 2 {
		t.Errorf("dump 2: level %d, %v", c.Verbosity().Level(), err)
	}

	out.Reset()
	if err := c.Console(&out, []string{"1", "state"}); err != nil {
		t.Fatal(err)
	}
	want := "Port C1, Dis - CC:2, CC0:0, CC1:0\n" +
		"Alert: 0x02 Mask: 0x0fff\n" +
		"Power Status: 0x08 Mask: 0xff\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}

	errTests := []struct {
		args []string
		want error
	}{
		{nil, tcpc.ErrParamCount},
		{[]string{"1"}, tcpc.ErrParamCount},
		{[]string{"2", "state"}, tcpc.ErrParam},
		{[]string{"x", "state"}, tcpc.ErrParam},
		{[]string{"dump", "x"}, tcpc.ErrParam},
		{[]string{"1", "clock"}, tcpc.ErrParam},
	}
	for _, tt := range errTests {
		if err := c.Console(&out, tt.args); !errors.Is(err, tt.want) {
			t.Errorf("%q: got %v, want %v", tt.args, err, tt.want)
		}
	}
}

func TestBus(t *testing.T) {
	c := tcpc.NewController([]pdlink.PHY{simphy.New(), simphy.New()})
	c.Port(1).Init()
	bus := c.Bus(0x4E)

	r := make([]byte, 2)
	if err := bus.Tx(0x4F, []byte{tcpc.RegVendorID}, r); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xD1, 0x18}, r); diff != "" {
		t.Errorf("vendor id (-want +got):\n%s", diff)
	}
	if err := bus.Tx(0x4F, []byte{tcpc.RegAlertMask, 0x04, 0x00}, nil); err != nil {
		t.Fatal(err)
	}
	if err := bus.Tx(0x4F, []byte{tcpc.RegAlertMask}, r); err != nil || r[0] != 0x04 {
		t.Errorf("alert mask % x, %v", r, err)
	}
	for _, addr := range []uint16{0x4D, 0x50} {
		if err := bus.Tx(addr, []byte{0}, r); !errors.Is(err, tcpc.ErrNoDevice) {
			t.Errorf("0x%02x: got %v", addr, err)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTwoPorts(t *testing.T) {
	a := simphy.New(simphy.WithRxTimeout(50 * time.Millisecond))
	b := simphy.New(simphy.WithRxTimeout(50 * time.Millisecond))
	simphy.Connect(a, b, 0, 0)

	opts := []tcpc.Option{tcpc.WithRxTimeout(20 * time.Millisecond)}
	src := tcpc.NewPort(0, a, append(opts, tcpc.WithDefaultRole(pdmsg.PowerRoleSource))...)
	snk := tcpc.NewPort(1, b, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- src.Run(ctx) }()
	go func() { done <- snk.Run(ctx) }()
	defer func() {
		cancel()
		for i := 0; i < 2; i++ {
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Errorf("run: %v", err)
			}
		}
	}()

	initialized := func(p *tcpc.Port) func() bool {
		return func() bool { return readReg(p, tcpc.RegPowerStatus)[0]&tcpc.PowerStatusUninit == 0 }
	}
	eventually(t, "source init", initialized(src))
	eventually(t, "sink init", initialized(snk))
	eventually(t, "attach", func() bool {
		return snk.State().CC[0] == cc.Rp3A0 && src.State().CC[0] == cc.Rd
	})

	enableRx(src)
	enableRx(snk)
	src.ClearAlert(0xFFFF)
	src.Transmit(request(3))

	eventually(t, "tx success", func() bool { return src.Alert()&tcpc.AlertTxSuccess != 0 })
	m, ok := snk.DrainNext()
	if !ok {
		t.Fatal("nothing received")
	}
	if diff := cmp.Diff(request(3), m); diff != "" {
		t.Errorf("received (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(snk.State().String(), "Port C1, Ena") {
		t.Errorf("state %q", snk.State())
	}
}
