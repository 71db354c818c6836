package tcpe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/tcpe"
)

// fakePC is a port controller whose partner is scripted by the test.
type fakePC struct {
	mu     sync.Mutex
	inits  int
	resets int
	events pdlink.Event
	rx     []pdmsg.Message
	sent   []pdmsg.Message
	onTx   func(pdmsg.Message) []pdmsg.Message
}

func (f *fakePC) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	f.rx = nil
	return nil
}

func (f *fakePC) Tx(m pdmsg.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if f.onTx != nil {
		if replies := f.onTx(m); len(replies) > 0 {
			f.rx = append(f.rx, replies...)
			f.events.Add(pdlink.EventRx)
		}
	}
	return nil
}

func (f *fakePC) Rx() (pdmsg.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 {
		return pdmsg.Message{}, pdlink.ErrRxEmpty
	}
	m := f.rx[0]
	f.rx = f.rx[1:]
	return m, nil
}

func (f *fakePC) SendReset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakePC) Alert() (pdlink.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events
	f.events = pdlink.EventNone
	return e, nil
}

func (f *fakePC) push(e pdlink.Event, msgs ...pdmsg.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events.Add(e)
	if len(msgs) > 0 {
		f.rx = append(f.rx, msgs...)
		f.events.Add(pdlink.EventRx)
	}
}

func (f *fakePC) counts() (inits, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.resets
}

type eventLog struct {
	mu  sync.Mutex
	evs []tcpe.Event
}

func (l *eventLog) HandleEvent(e tcpe.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, e)
	l.mu.Unlock()
}

func (l *eventLog) has(e tcpe.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.evs {
		if x == e {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func fixed(mv, ma uint16) uint32 {
	p := pdmsg.NewFixedSupplyPDO()
	p.SetVoltage(mv)
	p.SetMaxCurrent(ma)
	return uint32(p)
}

func control(t pdmsg.Type, id uint8) pdmsg.Message {
	return pdmsg.Message{Header: pdmsg.NewHeader(t, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, id, 0, pdmsg.Revision30)}
}

func sourceCap(id uint8, pdos ...uint32) pdmsg.Message {
	m := pdmsg.Message{Header: pdmsg.NewHeader(pdmsg.TypeSourceCap, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, id, uint8(len(pdos)), pdmsg.Revision30)}
	copy(m.Data[:], pdos)
	return m
}

func start(t *testing.T, pc *fakePC, ev tcpe.CapabilityEvaluator) (*tcpe.PolicyEngine, *eventLog) {
	t.Helper()
	pe := tcpe.New(pc)
	log := &eventLog{}
	pe.SetEventHandler(log)
	pe.SetCapabilityEvaluator(ev)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pe.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, "discovery", func() bool { return pe.State() == "sink-discovery" })
	return pe, log
}

func TestNegotiate(t *testing.T) {
	pc := &fakePC{}
	pc.onTx = func(m pdmsg.Message) []pdmsg.Message {
		if m.Type() == pdmsg.TypeRequest {
			return []pdmsg.Message{control(pdmsg.TypeAccept, 1), control(pdmsg.TypePSReady, 2)}
		}
		return nil
	}
	pe, log := start(t, pc, tcpe.FixedPolicy{MinVoltage: 9000, MaxVoltage: 9000, Current: 2000})

	pc.push(pdlink.EventAttached | pdlink.EventPower3A0)
	eventually(t, "wait for cap", func() bool { return pe.State() == "sink-wait-for-cap" })
	pc.push(pdlink.EventNone, sourceCap(0, fixed(5000, 3000), fixed(9000, 3000)))

	eventually(t, "power ready", func() bool { return log.has(tcpe.EventPowerReady) })
	if !log.has(tcpe.EventAccepted) {
		t.Error("no accepted event")
	}
	if pe.State() != "sink-ready" {
		t.Errorf("state %s", pe.State())
	}

	pc.mu.Lock()
	sent := append([]pdmsg.Message(nil), pc.sent...)
	pc.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages", len(sent))
	}
	rdo := pdmsg.RequestDO(sent[0].Data[0])
	got := []any{sent[0].Type(), sent[0].ID(), sent[0].Revision(), rdo.SelectedObjectPosition(), rdo.FixedOperatingCurrent()}
	want := []any{pdmsg.TypeRequest, uint8(0), pdmsg.Revision30, uint8(2), uint16(2000)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request (-want +got):\n%s", diff)
	}

	pc.push(pdlink.EventDetached)
	eventually(t, "detach", func() bool { return pe.State() == "sink-discovery" })
	if inits, _ := pc.counts(); inits != 2 {
		t.Errorf("%d inits", inits)
	}
}

func TestRejectWithoutContract(t *testing.T) {
	pc := &fakePC{}
	pc.onTx = func(m pdmsg.Message) []pdmsg.Message {
		return []pdmsg.Message{control(pdmsg.TypeReject, 1)}
	}
	pe, log := start(t, pc, nil)

	pc.push(pdlink.EventAttached)
	eventually(t, "wait for cap", func() bool { return pe.State() == "sink-wait-for-cap" })
	pc.push(pdlink.EventNone, sourceCap(0, fixed(5000, 3000)))
	eventually(t, "rejected", func() bool { return log.has(tcpe.EventRejected) })
	eventually(t, "wait for cap again", func() bool { return pe.State() == "sink-wait-for-cap" })
}

func TestHardResetOnMissingAccept(t *testing.T) {
	pc := &fakePC{}
	pe, _ := start(t, pc, nil)

	pc.push(pdlink.EventAttached)
	eventually(t, "wait for cap", func() bool { return pe.State() == "sink-wait-for-cap" })
	pc.push(pdlink.EventNone, sourceCap(0, fixed(5000, 3000)))

	eventually(t, "hard reset", func() bool {
		_, resets := pc.counts()
		return resets == 1
	})
	eventually(t, "discovery", func() bool { return pe.State() == "sink-discovery" })
}

func TestReset(t *testing.T) {
	pc := &fakePC{}
	pe, log := start(t, pc, nil)
	pe.Reset()
	eventually(t, "hard reset", func() bool {
		_, resets := pc.counts()
		return resets == 1
	})
	eventually(t, "startup", func() bool {
		inits, _ := pc.counts()
		return inits == 2
	})
	if !log.has(tcpe.EventPowerNotReady) {
		t.Error("no power not ready event")
	}
}

func TestNoPD(t *testing.T) {
	pc := &fakePC{}
	pe, log := start(t, pc, tcpe.FixedPolicy{MinVoltage: 5000, MaxVoltage: 5000, Current: 1000})
	pc.push(pdlink.EventAttached | pdlink.EventPower1A5)
	eventually(t, "no-pd", func() bool { return pe.State() == "no-pd" })
	if !log.has(tcpe.EventPowerReady) {
		t.Error("5V 1.5A not accepted")
	}
}

func TestDuplicateMessagesDropped(t *testing.T) {
	pc := &fakePC{}
	var requests int
	pc.onTx = func(m pdmsg.Message) []pdmsg.Message {
		requests++
		return nil
	}
	pe, _ := start(t, pc, nil)
	pc.push(pdlink.EventAttached)
	eventually(t, "wait for cap", func() bool { return pe.State() == "sink-wait-for-cap" })
	caps := sourceCap(3, fixed(5000, 3000))
	pc.push(pdlink.EventNone, caps, caps)
	eventually(t, "request", func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return requests > 0
	})
	time.Sleep(10 * time.Millisecond)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if requests != 1 {
		t.Errorf("%d requests for a repeated source cap", requests)
	}
}
