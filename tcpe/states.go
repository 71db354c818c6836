package tcpe

import (
	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/hsm"
	"github.com/oxplot/go-pdlink/pdmsg"
)

// The state names are almost the same as those in the PD spec. Every state
// nests in stateSink, which handles the events common to all of them, and
// the states of an attached port nest in stateSinkAttached.
const (
	stateSink hsm.StateID = iota
	stateSinkStartup
	stateSinkDiscovery
	stateSinkHardReset
	stateSinkAttached
	stateNoPD
	stateSinkWaitForCapabilities
	stateSinkEvaluateCapabilities
	stateSinkSelectCapabilities
	stateSinkTransitionSink
	stateSinkReady
)

var states = []hsm.State[*PolicyEngine]{
	stateSink: {
		Name:   "sink",
		Parent: hsm.NoParent,
		Run:    sinkRun,
	},
	stateSinkStartup: {
		Name:   "sink-startup",
		Parent: stateSink,
		Entry:  sinkStartupEntry,
	},
	stateSinkDiscovery: {
		Name:   "sink-discovery",
		Parent: stateSink,
		Run:    sinkDiscoveryRun,
	},
	stateSinkHardReset: {
		Name:   "sink-hard-reset",
		Parent: stateSink,
		Entry:  sinkHardResetEntry,
	},
	stateSinkAttached: {
		Name:   "sink-attached",
		Parent: stateSink,
		Exit:   sinkAttachedExit,
	},
	stateNoPD: {
		Name:   "no-pd",
		Parent: stateSinkAttached,
		Entry:  noPDEntry,
	},
	stateSinkWaitForCapabilities: {
		Name:   "sink-wait-for-cap",
		Parent: stateSinkAttached,
		Entry:  sinkWaitForCapabilitiesEntry,
		Run:    sinkWaitForCapabilitiesRun,
		Exit:   stopTimer,
	},
	stateSinkEvaluateCapabilities: {
		Name:   "sink-eval-cap",
		Parent: stateSinkAttached,
		Entry:  sinkEvaluateCapabilitiesEntry,
	},
	stateSinkSelectCapabilities: {
		Name:   "sink-select-cap",
		Parent: stateSinkAttached,
		Entry:  sinkSelectCapabilitiesEntry,
		Run:    sinkSelectCapabilitiesRun,
		Exit:   stopTimer,
	},
	stateSinkTransitionSink: {
		Name:   "sink-transition-sink",
		Parent: stateSinkAttached,
		Entry:  sinkTransitionSinkEntry,
		Run:    sinkTransitionSinkRun,
		Exit:   stopTimer,
	},
	stateSinkReady: {
		Name:   "sink-ready",
		Parent: stateSinkAttached,
		Entry:  sinkReadyEntry,
		Run:    sinkReadyRun,
		Exit:   stopTimer,
	},
}

func stopTimer(pe *PolicyEngine) {
	pe.stopTimer()
}

// sinkRun handles the events no state deals with on its own.
func sinkRun(pe *PolicyEngine) {
	switch pe.evt {
	case pdlink.EventPower0A5:
		pe.v5PDO.SetMaxCurrent(500)
	case pdlink.EventPower1A5:
		pe.v5PDO.SetMaxCurrent(1500)
	case pdlink.EventPower3A0:
		pe.v5PDO.SetMaxCurrent(3000)
	case pdlink.EventDetached, pdlink.EventResetReceived:
		pe.sm.Transition(stateSinkStartup)
	case pdlink.EventSendReset:
		pe.sm.Transition(stateSinkHardReset)
	}
}

func sinkStartupEntry(pe *PolicyEngine) {
	pe.nextTxID = 0
	pe.lastRxID = 8 // impossible ID meaning no message received yet
	pe.notifyEvent(EventPowerNotReady)
	pe.explicitContract = false
	if err := pe.pc.Init(); err != nil {
		pe.err = err
		return
	}
	pe.sm.Transition(stateSinkDiscovery)
}

func sinkDiscoveryRun(pe *PolicyEngine) {
	if pe.evt == pdlink.EventAttached {
		pe.sm.Transition(stateSinkWaitForCapabilities)
	}
}

func sinkHardResetEntry(pe *PolicyEngine) {
	pe.notifyEvent(EventPowerNotReady)
	if err := pe.pc.SendReset(); err != nil {
		pe.log.Warn("sending hard reset", zap.Error(err))
	}
	pe.sm.Transition(stateSinkStartup)
}

func sinkAttachedExit(pe *PolicyEngine) {
	pe.waitingOnSource = false
}

// noPDEntry handles non-PD power sources. It creates a fake PDO and calls on
// the policy manager to see if it accepts it. If it does, the power change
// callback is called with on state.
//
// This hack allows for simpler state management in conjuction with non-PD
// sources as well as a streamlined device policy manager interface that
// treats PD and non-PD sources alike.
func noPDEntry(pe *PolicyEngine) {
	pe.pdoBuf[0] = pdmsg.PDO(pe.v5PDO)
	rdo := pe.evalCaps(pe.pdoBuf[:1])
	if rdo == pdmsg.EmptyRequestDO {
		pe.notifyEvent(EventPowerNotReady)
	} else {
		pe.notifyEvent(EventAccepted)
		pe.notifyEvent(EventPowerReady)
	}
}

func sinkWaitForCapabilitiesEntry(pe *PolicyEngine) {
	pe.sourceCapMsg = pdmsg.Message{}
	pe.startTimer(timerSinkWaitCap)
}

func sinkWaitForCapabilitiesRun(pe *PolicyEngine) {
	m := pe.msg
	switch {
	case pe.evt == pdlink.EventTimerTimeout:
		if pe.v5PDO.MaxCurrent() > 0 {
			pe.sm.Transition(stateNoPD)
		} else {
			pe.sm.Transition(stateSinkHardReset)
		}
	case pe.evt == pdlink.EventRx && m.IsData() && m.Type() == pdmsg.TypeSourceCap:
		pe.sourceCapMsg = m
		r := m.Revision()
		if r < pdmsg.Revision30 {
			pe.msgTpl.SetRevision(r)
		} else {
			pe.msgTpl.SetRevision(pdmsg.Revision30)
		}
		pe.sm.Transition(stateSinkEvaluateCapabilities)
	}
}

func sinkEvaluateCapabilitiesEntry(pe *PolicyEngine) {
	l := pe.sourceCapMsg.DataObjectCount()
	for i, d := range pe.sourceCapMsg.Data[:l] {
		pe.pdoBuf[i] = pdmsg.PDO(d)
	}
	pe.requestDO = pe.evalCaps(pe.pdoBuf[:l])
	pe.sm.Transition(stateSinkSelectCapabilities)
}

func sinkSelectCapabilitiesEntry(pe *PolicyEngine) {
	rdo := pe.requestDO
	if rdo == pdmsg.EmptyRequestDO {
		rdo = defaultRDO
	}
	if err := pe.sendRDO(rdo); err != nil {
		pe.err = err
		return
	}
	pe.startTimer(timerSenderResponse)
}

func sinkSelectCapabilitiesRun(pe *PolicyEngine) {
	m := pe.msg
	if pe.evt == pdlink.EventTimerTimeout {
		pe.sm.Transition(stateSinkHardReset)
		return
	}
	if pe.evt != pdlink.EventRx || m.IsData() {
		return
	}
	switch m.Type() {
	case pdmsg.TypeAccept:
		pe.notifyEvent(EventAccepted)
		pe.waitingOnSource = false
		pe.explicitContract = true
		pe.sm.Transition(stateSinkTransitionSink)
	case pdmsg.TypeReject:
		pe.notifyEvent(EventRejected)
		if pe.explicitContract {
			pe.sm.Transition(stateSinkReady)
		} else {
			pe.sm.Transition(stateSinkWaitForCapabilities)
		}
	case pdmsg.TypeWait:
		pe.waitingOnSource = true
		if pe.explicitContract {
			pe.sm.Transition(stateSinkReady)
		} else {
			pe.sm.Transition(stateSinkWaitForCapabilities)
		}
	}
}

func sinkTransitionSinkEntry(pe *PolicyEngine) {
	pe.startTimer(timerPSTransition)
}

func sinkTransitionSinkRun(pe *PolicyEngine) {
	m := pe.msg
	if pe.evt == pdlink.EventTimerTimeout {
		pe.sm.Transition(stateSinkHardReset)
	} else if pe.evt == pdlink.EventRx && !m.IsData() && m.Type() == pdmsg.TypePSReady {
		pe.sm.Transition(stateSinkReady)
	}
}

func sinkReadyEntry(pe *PolicyEngine) {
	if pe.requestDO != pdmsg.EmptyRequestDO {
		pe.notifyEvent(EventPowerReady)
	}
	if pe.waitingOnSource {
		pe.startTimer(timerSinkRequest)
	} else if pe.ppsNegotiated() {
		pe.startTimer(timerSinkPPSPeriodic)
	}
}

func sinkReadyRun(pe *PolicyEngine) {
	m := pe.msg
	if pe.evt == pdlink.EventTimerTimeout {
		pe.sm.Transition(stateSinkSelectCapabilities)
	} else if pe.evt == pdlink.EventRx && m.IsData() && m.Type() == pdmsg.TypeSourceCap {
		pe.sourceCapMsg = m
		pe.sm.Transition(stateSinkEvaluateCapabilities)
	}
}
