// Package hsm runs hierarchical state machines: states nest inside parent
// states whose entry and exit actions they share, and the run action of a
// state is followed by those of its ancestors.
//
// The state graph is a slice of State indexed by StateID. A Machine holds
// the position of one instance in that graph and passes a caller supplied
// context value to every action.
package hsm

import "fmt"

// MaxDepth is the maximum number of states on the path from a root state to
// a leaf, both included.
const MaxDepth = 4

// StateID is the index of a state in the graph.
type StateID int

// NoParent is the parent of root states. It is also returned by Current
// and Previous before the machine is initialized.
const NoParent StateID = -1

// State is a node of the graph. Any of the actions may be nil.
type State[C any] struct {
	Name   string
	Parent StateID
	Entry  func(C)
	Run    func(C)
	Exit   func(C)
}

type chain struct {
	ids [MaxDepth]StateID
	n   int
}

// Machine is an instance of a state graph. It is not safe for concurrent
// use: actions run on the goroutine calling Init, Transition or Run, and may
// call Transition themselves.
type Machine[C any] struct {
	states []State[C]
	chains []chain // root first path to each state
	ctx    C

	current     StateID
	previous    StateID
	lastEntered StateID // deepest state whose entry ran and exit did not

	target  StateID
	seq     uint64 // bumped by every Transition call
	busy    bool   // a transition pass is in progress
	running bool
}

// New returns a machine over states. It panics if a parent is out of range,
// the graph has a cycle, or a state is nested deeper than MaxDepth.
func New[C any](states []State[C], ctx C) *Machine[C] {
	m := &Machine[C]{
		states:      states,
		chains:      make([]chain, len(states)),
		ctx:         ctx,
		current:     NoParent,
		previous:    NoParent,
		lastEntered: NoParent,
	}
	for i := range states {
		var rev [MaxDepth]StateID
		n := 0
		for s := StateID(i); s != NoParent; s = states[s].Parent {
			if s < 0 || int(s) >= len(states) {
				panic(fmt.Sprintf("hsm: state %q has invalid parent %d", states[i].Name, s))
			}
			if n == MaxDepth {
				panic(fmt.Sprintf("hsm: state %q nested deeper than %d", states[i].Name, MaxDepth))
			}
			rev[n] = s
			n++
		}
		c := &m.chains[i]
		c.n = n
		for j := 0; j < n; j++ {
			c.ids[j] = rev[n-1-j]
		}
	}
	return m
}

func (m *Machine[C]) path(s StateID) []StateID {
	if s == NoParent {
		return nil
	}
	c := &m.chains[s]
	return c.ids[:c.n]
}

// common returns the number of leading states shared by the paths to a and
// b. The last of them is the lowest common ancestor.
func (m *Machine[C]) common(a, b StateID) int {
	pa, pb := m.path(a), m.path(b)
	i := 0
	for i < len(pa) && i < len(pb) && pa[i] == pb[i] {
		i++
	}
	return i
}

// Current returns the current state.
func (m *Machine[C]) Current() StateID {
	return m.current
}

// Previous returns the state the last transition left.
func (m *Machine[C]) Previous() StateID {
	return m.previous
}

// Name returns the name of state s.
func (m *Machine[C]) Name(s StateID) string {
	if s == NoParent {
		return "none"
	}
	return m.states[s].Name
}

// Init enters target and its ancestors, outermost first, without running
// any exit action. It may be called again to restart the machine.
func (m *Machine[C]) Init(target StateID) {
	m.current = NoParent
	m.previous = NoParent
	m.lastEntered = NoParent
	m.Transition(target)
}

// Transition exits the states from the current one up to, but excluding,
// the lowest common ancestor with target, then enters the states below that
// ancestor down to target.
//
// When called from an entry or exit action, the remaining actions of the
// interrupted pass are skipped. The states entered so far are exited as
// needed on the way to the most recent target. When called from a run
// action, the ancestors' run actions are skipped.
func (m *Machine[C]) Transition(target StateID) {
	m.running = false
	m.target = target
	m.seq++
	if m.busy {
		return
	}
	m.busy = true
	defer func() { m.busy = false }()
	for !m.pass() {
	}
}

// pass moves the machine to the latest target. It returns false if an action
// requested another transition before the pass completed.
func (m *Machine[C]) pass() bool {
	seq, target := m.seq, m.target

	from := m.lastEntered
	n := m.common(from, target)
	for p := m.path(from); len(p) > n; p = p[:len(p)-1] {
		s := p[len(p)-1]
		m.lastEntered = m.states[s].Parent
		if f := m.states[s].Exit; f != nil {
			if f(m.ctx); m.seq != seq {
				return false
			}
		}
	}

	m.previous = m.current
	m.current = target

	for _, s := range m.path(target)[n:] {
		m.lastEntered = s
		if f := m.states[s].Entry; f != nil {
			if f(m.ctx); m.seq != seq {
				return false
			}
		}
	}
	return true
}

// Run calls the run action of the current state, then those of its
// ancestors, innermost first, until one of them calls Transition.
func (m *Machine[C]) Run() {
	p := m.path(m.current)
	m.running = true
	for i := len(p) - 1; i >= 0 && m.running; i-- {
		if f := m.states[p[i]].Run; f != nil {
			f(m.ctx)
		}
	}
	m.running = false
}
