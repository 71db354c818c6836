// Package simphy is a software model of a BMC CC line PHY. Frames are kept
// as half-bit cells exactly as a sampling PHY would produce them, so the
// framing, CRC and reset detection code runs unchanged against it. Two PHYs
// joined with Connect exchange frames the way port partners do.
package simphy

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/bmc"
)

const preambleWord = 0xB4B4B4B4

// Line voltages in millivolts, as read by the ADC.
const (
	mvRpOpen  = 3300 // Rp with nothing attached
	mvRpRd    = 1310 // Rp 3.0A against Rd
	mvRdOpen  = 0
	minRunLen = 16 // alternating bits needed to lock on a preamble
)

var errShort = errors.New("simphy: not enough bits")

// PHY is a simulated CC PHY. It implements pdlink.PHY, pdlink.Dumper and
// pdlink.RxNotifier. All methods are safe for concurrent use.
type PHY struct {
	mu sync.Mutex

	tx       []byte // transmit buffer, one half-bit cell per byte
	toggle   uint16 // 0x3FF when the last written cell is high
	sending  []byte
	circular bool
	carrier  bool
	txCount  int

	rxq     [][]byte
	cur     []byte  // frame being dequeued
	bits    []uint8 // logical bits of cur
	arrived chan struct{}

	monitoring bool
	notify     func()
	tap        func([]byte)

	polarity pdlink.Polarity
	source   atomic.Bool

	peer *PHY
	pin  int // local CC pin wired to the peer

	ccOverride [2]int
	ccSet      [2]bool

	rxTimeout time.Duration
}

// Option configures a PHY.
type Option func(*PHY)

// WithRxTimeout makes FindPreamble wait up to d for a frame to arrive, the
// way a sampling PHY blocks until its receive timer expires.
func WithRxTimeout(d time.Duration) Option {
	return func(p *PHY) {
		p.rxTimeout = d
	}
}

// New returns a disconnected PHY presenting Rd.
func New(opts ...Option) *PHY {
	p := &PHY{arrived: make(chan struct{}, 1)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect wires CC pin aPin of a to CC pin bPin of b.
func Connect(a, b *PHY, aPin, bPin int) {
	a.mu.Lock()
	a.peer, a.pin = b, aPin
	a.mu.Unlock()
	b.mu.Lock()
	b.peer, b.pin = a, bPin
	b.mu.Unlock()
}

// Disconnect unplugs p from its partner.
func Disconnect(p *PHY) {
	p.mu.Lock()
	q := p.peer
	p.peer = nil
	p.mu.Unlock()
	if q != nil {
		q.mu.Lock()
		q.peer = nil
		q.mu.Unlock()
	}
}

// Encode runs fn against a scratch PHY and returns the cells of the frame it
// wrote. It is meant for building frames to Inject.
func Encode(fn func(w pdlink.SymbolWriter) int) []byte {
	s := New()
	n := fn(s)
	return append([]byte(nil), s.tx[:n]...)
}

// FlipBit returns a copy of frame with logical bit k inverted. The cells
// following the bit are inverted too so that every bit boundary keeps its
// transition.
func FlipBit(frame []byte, k int) []byte {
	f := append([]byte(nil), frame...)
	for i := 2*k + 1; i < len(f); i++ {
		f[i] ^= 1
	}
	return f
}

func (p *PHY) put(off int, v uint32, n int) {
	for len(p.tx) < off+n {
		p.tx = append(p.tx, 0)
	}
	for i := 0; i < n; i++ {
		p.tx[off+i] = byte(v>>i) & 1
	}
}

// WritePreamble implements pdlink.SymbolWriter.
func (p *PHY) WritePreamble() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < 4; i++ {
		p.put(32*i, preambleWord, 32)
	}
	p.toggle = 0x3FF // preamble ends with 1
	return 2 * 64
}

// WriteSymbol implements pdlink.SymbolWriter.
func (p *PHY) WriteSymbol(off int, sym uint16) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := (p.toggle ^ sym) & 0x3FF
	if v&0x200 != 0 {
		p.toggle = 0x3FF
	} else {
		p.toggle = 0
	}
	p.put(off, uint32(v), 10)
	return off + 10
}

// WriteLastEdge implements pdlink.SymbolWriter.
func (p *PHY) WriteLastEdge(off int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toggle == 0 {
		// transition to 1, another 1, then 0
		p.put(off, 0b011, 3)
	} else {
		p.put(off, 0, 3)
	}
	return off + 3
}

// StartTx implements pdlink.Transmitter.
func (p *PHY) StartTx(pol pdlink.Polarity, bitLen int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rxq) > 0 {
		return pdlink.ErrCollision
	}
	p.txCount++
	if p.circular {
		p.carrier = true
		return nil
	}
	p.sending = append([]byte(nil), p.tx[:bitLen]...)
	return nil
}

// TxDone implements pdlink.Transmitter. The frame is delivered to the peer
// when both ends route the wired pin.
func (p *PHY) TxDone(pol pdlink.Polarity) {
	p.mu.Lock()
	p.carrier = false
	f := p.sending
	p.sending = nil
	peer, pin, tap := p.peer, p.pin, p.tap
	p.mu.Unlock()
	if f == nil {
		return
	}
	if tap != nil {
		tap(f)
	}
	if peer != nil && int(pol) == pin {
		peer.deliver(f)
	}
}

func (p *PHY) deliver(f []byte) {
	p.mu.Lock()
	ok := int(p.polarity) == p.pin
	p.mu.Unlock()
	if ok {
		p.Inject(f)
	}
}

// SetCircularMode implements pdlink.Transmitter.
func (p *PHY) SetCircularMode() {
	p.mu.Lock()
	p.circular = true
	p.mu.Unlock()
}

// ClearCircularMode implements pdlink.Transmitter.
func (p *PHY) ClearCircularMode() {
	p.mu.Lock()
	p.circular = false
	p.mu.Unlock()
}

// Inject queues frame as received from the line.
func (p *PHY) Inject(frame []byte) {
	p.mu.Lock()
	p.rxq = append(p.rxq, append([]byte(nil), frame...))
	fn := p.notify
	if !p.monitoring {
		fn = nil
	}
	p.mu.Unlock()
	select {
	case p.arrived <- struct{}{}:
	default:
	}
	if fn != nil {
		fn()
	}
}

// RxStarted implements pdlink.Receiver.
func (p *PHY) RxStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rxq) > 0
}

// RxStart implements pdlink.Receiver. Sampling is always on.
func (p *PHY) RxStart() {}

// RxComplete implements pdlink.Receiver. It releases the oldest received
// frame, whether it was dequeued or not.
func (p *PHY) RxComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rxq) > 0 {
		p.rxq = p.rxq[1:]
	}
	p.cur, p.bits = nil, nil
}

// EnableMonitoring implements pdlink.Receiver. A frame already waiting is
// signaled right away.
func (p *PHY) EnableMonitoring() {
	p.mu.Lock()
	p.monitoring = true
	fn := p.notify
	if len(p.rxq) == 0 {
		fn = nil
	}
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// DisableMonitoring implements pdlink.Receiver.
func (p *PHY) DisableMonitoring() {
	p.mu.Lock()
	p.monitoring = false
	p.mu.Unlock()
}

// NotifyRx implements pdlink.RxNotifier.
func (p *PHY) NotifyRx(fn func()) {
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
}

// InitDequeue implements pdlink.BitReader.
func (p *PHY) InitDequeue() {
	p.mu.Lock()
	p.cur, p.bits = nil, nil
	p.mu.Unlock()
}

// decodeCells turns half-bit cells into logical bits. Decoding stops at the
// first bit boundary without a transition.
func decodeCells(c []byte) []uint8 {
	bits := make([]uint8, 0, len(c)/2)
	for k := 0; 2*k+1 < len(c); k++ {
		if k > 0 && c[2*k-1] == c[2*k] {
			break
		}
		var b uint8
		if c[2*k] != c[2*k+1] {
			b = 1
		}
		bits = append(bits, b)
	}
	return bits
}

func (p *PHY) load() bool {
	var deadline <-chan time.Time
	for {
		p.mu.Lock()
		if p.cur != nil {
			p.mu.Unlock()
			return true
		}
		if len(p.rxq) > 0 {
			p.cur = p.rxq[0]
			p.bits = decodeCells(p.cur)
			p.mu.Unlock()
			return true
		}
		p.mu.Unlock()
		if p.rxTimeout <= 0 {
			return false
		}
		if deadline == nil {
			t := time.NewTimer(p.rxTimeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-p.arrived:
		case <-deadline:
			return false
		}
	}
}

func (p *PHY) peek(off, n int) (uint32, bool) {
	if off < 0 || off+n > len(p.bits) {
		return 0, false
	}
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(p.bits[off+i]) << i
	}
	return v, true
}

// FindPreamble implements pdlink.BitReader.
func (p *PHY) FindPreamble() (int, error) {
	if !p.load() {
		return 0, pdlink.ErrPreamble
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	run := 1
	for i := 1; i < len(p.bits); i++ {
		if p.bits[i] != p.bits[i-1] {
			run++
			continue
		}
		if run < minRunLen {
			run = 1
			continue
		}
		// The preamble ends with a one. A K-code starting with a zero
		// breaks the run one bit later than one starting with a one.
		start := i
		if p.bits[i-1] == 0 {
			start = i - 1
		}
		v, _ := p.peek(start, 20)
		switch v {
		case bmc.HardReset:
			return start, pdlink.ErrHardReset
		case bmc.CableReset:
			return start, pdlink.ErrCableReset
		}
		return start, nil
	}
	return 0, pdlink.ErrPreamble
}

// DequeueBits implements pdlink.BitReader.
func (p *PHY) DequeueBits(off, n int) (int, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.peek(off, n)
	if !ok {
		return off, 0, errShort
	}
	return off + n, v, nil
}

// RawSamples implements pdlink.Dumper, packing the cells of the current
// frame eight per byte.
func (p *PHY) RawSamples() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, (len(p.cur)+7)/8)
	for i, c := range p.cur {
		out[i/8] |= c << (i % 8)
	}
	return out
}

// ReadCC implements pdlink.Sampler. Injected voltages take precedence over
// the ones derived from the terminations of both ends.
func (p *PHY) ReadCC(cc int) int {
	p.mu.Lock()
	if p.ccSet[cc] {
		v := p.ccOverride[cc]
		p.mu.Unlock()
		return v
	}
	peer, pin := p.peer, p.pin
	p.mu.Unlock()

	src := p.source.Load()
	if peer == nil || cc != pin {
		if src {
			return mvRpOpen
		}
		return mvRdOpen
	}
	switch psrc := peer.source.Load(); {
	case src && psrc:
		return mvRpOpen
	case !src && !psrc:
		return mvRdOpen
	}
	return mvRpRd
}

// SetCC forces the voltage read on pin cc. A negative value releases it.
func (p *PHY) SetCC(cc, mv int) {
	p.mu.Lock()
	p.ccSet[cc] = mv >= 0
	p.ccOverride[cc] = mv
	p.mu.Unlock()
}

// SelectPolarity implements pdlink.Sampler.
func (p *PHY) SelectPolarity(pol pdlink.Polarity) {
	p.mu.Lock()
	p.polarity = pol
	p.mu.Unlock()
}

// Polarity returns the selected CC pin.
func (p *PHY) Polarity() pdlink.Polarity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polarity
}

// SetHostMode implements pdlink.Sampler.
func (p *PHY) SetHostMode(source bool) {
	p.source.Store(source)
}

// Tap registers fn to receive a copy of every transmitted frame.
func (p *PHY) Tap(fn func(frame []byte)) {
	p.mu.Lock()
	p.tap = fn
	p.mu.Unlock()
}

// TxCount returns the number of StartTx calls that put a frame on the line.
func (p *PHY) TxCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txCount
}

// Carrier returns true while a circular transmission is in progress.
func (p *PHY) Carrier() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.carrier
}

// Queued returns the number of received frames not yet released.
func (p *PHY) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rxq)
}
