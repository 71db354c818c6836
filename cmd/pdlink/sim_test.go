package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/oxplot/go-pdlink/internal/config"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/trace"
)

func TestSimulateNegotiates(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full negotiation")
	}
	cfg = config.Default()
	cfg.Port.RxTimeout.Duration = 20 * time.Millisecond
	cfg.Sim.Supplies = []config.Supply{
		{Voltage: 5000, Current: 3000},
		{Voltage: 9000, Current: 3000},
		{Voltage: 20000, Current: 2250},
	}
	cfg.Sim.Policy.MinVoltage = 9000
	cfg.Sim.Policy.MaxVoltage = 15000
	cfg.Sim.Policy.Current = 2000

	var buf bytes.Buffer
	ready := make(chan pdmsg.RequestDO, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := simulate(ctx, simulation{
		log:        zaptest.NewLogger(t),
		tracer:     trace.NewWriter(&buf),
		untilReady: true,
		ready:      ready,
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case rdo := <-ready:
		if pos := rdo.SelectedObjectPosition(); pos != 2 {
			t.Errorf("requested position %d, want 2 (9V)", pos)
		}
	default:
		t.Fatal("sink never got power")
	}

	var out bytes.Buffer
	if err := printTrace(&out, &buf, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Source_Cap", "Request", "Accept", "PS_RDY"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("trace lacks %s:\n%s", want, out.String())
		}
	}
}

func TestPrintTraceFailedOnly(t *testing.T) {
	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	ok := pdmsg.Message{Header: pdmsg.NewHeader(pdmsg.TypeAccept, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, 1, 0, pdmsg.Revision20)}
	for _, r := range []trace.Record{
		trace.New(0, trace.Tx, ok, nil),
		trace.New(0, trace.Tx, ok, errNoAck),
	} {
		if err := w.Record(r); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	if err := printTrace(&out, &buf, true); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "[no ack]") {
		t.Errorf("printTrace(failed only) = %q", out.String())
	}
}

type traceErr string

func (e traceErr) Error() string { return string(e) }

const errNoAck = traceErr("no ack")
