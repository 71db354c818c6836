package tcpc

import "github.com/oxplot/go-pdlink/pdmsg"

// Ring is the receive buffer. It has one slot more than its capacity so that
// a full ring can be told apart from an empty one.
type Ring struct {
	slots      []pdmsg.Message
	head, tail int
}

// NewRing returns a ring holding up to n messages, and at least one.
func NewRing(n int) Ring {
	n = max(n, 1)
	return Ring{slots: make([]pdmsg.Message, n+1)}
}

// Cap returns the number of messages the ring can hold.
func (r *Ring) Cap() int {
	return len(r.slots) - 1
}

// Len returns the number of messages held.
func (r *Ring) Len() int {
	n := r.head - r.tail
	if n < 0 {
		n += len(r.slots)
	}
	return n
}

// Empty returns true if the ring holds no message.
func (r *Ring) Empty() bool {
	return r.head == r.tail
}

// Full returns true if Push would fail.
func (r *Ring) Full() bool {
	d := r.tail - r.head
	return d == 1 || d == -r.Cap()
}

// Push appends m at the head. It returns false, leaving the ring unchanged,
// if the ring is full.
func (r *Ring) Push(m pdmsg.Message) bool {
	if r.Full() {
		return false
	}
	r.slots[r.head] = m
	r.head = (r.head + 1) % len(r.slots)
	return true
}

// Tail returns the slot at the tail. When the ring is empty it holds the
// last message released.
func (r *Ring) Tail() pdmsg.Message {
	return r.slots[r.tail]
}

// Advance releases the message at the tail, if any.
func (r *Ring) Advance() {
	if !r.Empty() {
		r.tail = (r.tail + 1) % len(r.slots)
	}
}
