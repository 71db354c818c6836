// Package tcpe provides an implementation of USB Type-C power delivery policy
// engine for sink devices, built as a hierarchical state machine on top of
// package hsm.
package tcpe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/hsm"
	"github.com/oxplot/go-pdlink/pdmsg"
)

var (
	maxTimerExpiry = time.Unix(1<<63-62135596801, 999999999) // https://stackoverflow.com/a/32620397
	defaultRDO     pdmsg.RequestDO
)

// CapabilityEvaluator is an interface that wraps the method EvaluateCapabilities.
type CapabilityEvaluator interface {
	// EvaluateCapabilities is called every time the policy engine receives list
	// of power capabilities from the source partner. If no PDO is acceptable,
	// EvaluateCapabilities must return pdmsg.EmptyRequestDO. Device policy
	// manager is expected to respond quickly with the request data object.
	//
	// The passed PDO slice may be modified by the policy manager but must not
	// be stored in the manager's state past the call to this method.
	EvaluateCapabilities([]pdmsg.PDO) pdmsg.RequestDO
}

// CapabilityEvaluatorFunc is an adapter to allow the use of ordinary functions
// as CapabilityEvaluator.
type CapabilityEvaluatorFunc func([]pdmsg.PDO) pdmsg.RequestDO

// EvaluateCapabilities implements CapabilityEvaluator interface.
func (f CapabilityEvaluatorFunc) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	return f(pdos)
}

// Event is a policy engine event which is a high level event usually used by
// DPMs. It's different to port controller events.
type Event string

const (
	// EventAccepted is fired when the source accepts the RDO sent by the policy
	// engine.
	EventAccepted Event = "accepted"

	// EventRejected is fired when the source rejects the RDO sent by the policy
	// engine.
	EventRejected Event = "rejected"

	// EventPowerNotReady is fired on startup and reset.
	EventPowerNotReady Event = "power_not_ready"

	// EventPowerReady is fired when the policy engine has successfully negotiated
	// power with the source and source has indicated that the requested power is
	// ready for use.
	EventPowerReady Event = "power_ready"
)

// EventHandler is an interface that wraps the method HandleEvent.
type EventHandler interface {
	// HandleEvent is called when the policy engine receives an event from the
	// source partner.
	HandleEvent(Event)
}

// EventHandlerFunc is an adapter to allow the use of ordinary functions as
// EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent implements EventHandler interface.
func (e EventHandlerFunc) HandleEvent(ev Event) {
	e(ev)
}

func init() {
	defaultRDO.SetSelectedObjectPosition(1)
	defaultRDO.SetFixedMaxOperatingCurrent(100)
	defaultRDO.SetFixedOperatingCurrent(100)
}

// Option configures a policy engine.
type Option func(*PolicyEngine)

// WithLogger sets the logger state changes and errors are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(pe *PolicyEngine) {
		pe.log = l
	}
}

// PolicyEngine implements USB Type-C power delivery policy engine for sink
// devices. It uses polling to handle events from the port controller.
type PolicyEngine struct {
	pc  pdlink.PortController
	sm  *hsm.Machine[*PolicyEngine]
	log *zap.Logger

	// On each timer start, expiry is set to the timer + now by the relevant
	// state. Leaving that state stops the timer.
	timerExpiry  time.Time
	sourceCapMsg pdmsg.Message   // Set after source cap message is received
	requestDO    pdmsg.RequestDO // Response from device policy manager
	msgTpl       pdmsg.Message   // Messages to be sent, use this as template
	pdoBuf       [pdmsg.MaxDataObjects]pdmsg.PDO

	// true if an existing successful power negotiation is already in effect.
	explicitContract bool
	// true if received wait message at select cap state.
	waitingOnSource bool

	// Event and message being dispatched to the state actions, and the error
	// an action ran into.
	evt pdlink.Event
	msg pdmsg.Message
	err error

	state atomic.Int32 // current hsm.StateID, for State

	mu     sync.Mutex
	events pdlink.Event

	callbacks struct {
		mu           sync.Mutex
		capEvaluator CapabilityEvaluator
		eventHandler EventHandler
	}

	v5PDO pdmsg.FixedSupplyPDO // non-PD max current at 5V available from the power source

	nextTxID uint8
	lastRxID uint8
}

// New creates a new policy engine for a given port controller.
func New(pc pdlink.PortController, opts ...Option) *PolicyEngine {
	m := pdmsg.Message{}
	m.SetPowerRole(pdmsg.PowerRoleSink)
	m.SetDataRole(pdmsg.DataRoleUFP)
	m.SetExtended(false)

	v5PDO := pdmsg.NewFixedSupplyPDO()
	v5PDO.SetVoltage(5000)

	pe := &PolicyEngine{
		pc:          pc,
		log:         zap.NewNop(),
		timerExpiry: maxTimerExpiry,
		msgTpl:      m,
		v5PDO:       v5PDO,
	}
	for _, o := range opts {
		o(pe)
	}
	pe.sm = hsm.New(states, pe)
	pe.state.Store(int32(hsm.NoParent))
	return pe
}

// SetCapabilityEvaluator sets the capability evaluator to use. Passing nil will
// result in the policy engine rejecting all power negotiations.
func (pe *PolicyEngine) SetCapabilityEvaluator(ce CapabilityEvaluator) {
	pe.callbacks.mu.Lock()
	pe.callbacks.capEvaluator = ce
	pe.callbacks.mu.Unlock()
}

// SetEventHandler sets the event handler to send events to. Pass nil to remove
// the existing handler.
func (pe *PolicyEngine) SetEventHandler(e EventHandler) {
	pe.callbacks.mu.Lock()
	pe.callbacks.eventHandler = e
	pe.callbacks.mu.Unlock()
}

// Reset resets the policy engine and in effect the port controller to their
// initial states. This will cause the power to be lost and renogotiation to
// happen.
// Reset may be called concurrently from multiple goroutines.
func (pe *PolicyEngine) Reset() {
	pe.mu.Lock()
	pe.events.Add(pdlink.EventSendReset)
	pe.mu.Unlock()
}

// State returns the name of the current state. It may be called from any
// goroutine.
func (pe *PolicyEngine) State() string {
	id := hsm.StateID(pe.state.Load())
	if id == hsm.NoParent {
		return "none"
	}
	return states[id].Name
}

func (pe *PolicyEngine) evalCaps(pdos []pdmsg.PDO) pdmsg.RequestDO {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.capEvaluator != nil {
		return pe.callbacks.capEvaluator.EvaluateCapabilities(pdos)
	}
	return pdmsg.EmptyRequestDO
}

// Run starts the event loop of the policy engine and manages the state
// transitions and delivery of events. Run blocks until ctx is done. Only one
// call to Run must be in progress at any given time.
func (pe *PolicyEngine) Run(ctx context.Context) {
	const loopSleepDuration = 3 * time.Millisecond

	pe.err = nil
	pe.sm.Init(stateSinkStartup)
	pe.stateChanged(hsm.NoParent)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if pe.err != nil {
			pe.log.Warn("hard reset on error", zap.String("state", pe.State()), zap.Error(pe.err))
			pe.err = nil
			pe.transition(stateSinkHardReset)
			continue
		}

		// Process outstanding events

		e, err := pe.pc.Alert()
		if err != nil {
			pe.err = err
			continue
		}
		pe.mu.Lock()
		pe.events.Add(e)
		e = pe.events.Pop()
		pe.mu.Unlock()

		switch e {
		case pdlink.EventNone:

			// No pending events. Check on timers or sleep.

			if time.Now().After(pe.timerExpiry) {
				pe.stopTimer() // only run timer timeout event once
				pe.dispatch(pdlink.EventTimerTimeout, pdmsg.Message{})
			} else {
				time.Sleep(loopSleepDuration)
			}

		case pdlink.EventRx:
			m, err := pe.rx()
			switch {
			case err == nil:
				pe.dispatch(pdlink.EventRx, m)
				pe.mu.Lock()
				pe.events.Add(pdlink.EventRx) // there may be multiple messages waiting
				pe.mu.Unlock()
			case !errors.Is(err, pdlink.ErrRxEmpty):
				pe.err = err
			}

		default:
			pe.dispatch(e, pdmsg.Message{})
		}
	}
}

// dispatch runs the actions of the current state and its ancestors for e.
func (pe *PolicyEngine) dispatch(e pdlink.Event, m pdmsg.Message) {
	pe.evt, pe.msg = e, m
	from := pe.sm.Current()
	pe.sm.Run()
	pe.stateChanged(from)
}

func (pe *PolicyEngine) transition(s hsm.StateID) {
	from := pe.sm.Current()
	pe.sm.Transition(s)
	pe.stateChanged(from)
}

func (pe *PolicyEngine) stateChanged(from hsm.StateID) {
	to := pe.sm.Current()
	pe.state.Store(int32(to))
	if to != from {
		pe.log.Debug("state", zap.String("from", pe.sm.Name(from)), zap.String("to", pe.sm.Name(to)))
	}
}

func (pe *PolicyEngine) tx(m pdmsg.Message) error {
	m.SetID(pe.nextTxID)
	pe.nextTxID = (pe.nextTxID + 1) % 8
	return pe.pc.Tx(m)
}

func (pe *PolicyEngine) rx() (pdmsg.Message, error) {
	// Discard duplicate messages
	for {
		m, err := pe.pc.Rx()
		if err != nil {
			return pdmsg.Message{}, err
		}
		if m.ID() != pe.lastRxID {
			pe.lastRxID = m.ID()
			return m, nil
		}
	}
}

func (pe *PolicyEngine) startTimer(d time.Duration) {
	pe.timerExpiry = time.Now().Add(d)
}

func (pe *PolicyEngine) stopTimer() {
	pe.timerExpiry = maxTimerExpiry
}

// ppsNegotiated returns true if the last power negotiation agreed on a PPS
// profile.
func (pe *PolicyEngine) ppsNegotiated() bool {
	p := pe.requestDO.SelectedObjectPosition()
	return p > 0 && pdmsg.PDO(pe.sourceCapMsg.Data[p-1]).Type() == pdmsg.PDOTypePPS
}

func (pe *PolicyEngine) sendRDO(rdo pdmsg.RequestDO) error {
	m := pe.msgTpl
	m.SetType(pdmsg.TypeRequest)
	m.SetDataObjectCount(1)
	m.Data[0] = uint32(rdo)
	return pe.tx(m)
}

func (pe *PolicyEngine) notifyEvent(e Event) {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.eventHandler != nil {
		pe.callbacks.eventHandler.HandleEvent(e)
	}
}

// Max value for timers used (based on PD standard).
const (
	timerPSTransition    = 550 * time.Millisecond
	timerSenderResponse  = 32 * time.Millisecond
	timerSinkPPSPeriodic = 10 * time.Second
	timerSinkRequest     = 100 * time.Millisecond
	timerSinkWaitCap     = 620 * time.Millisecond
)
