package frame

import (
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/bmc"
	"github.com/oxplot/go-pdlink/pdmsg"
)

// Mode selects which SOP* ordered sets the decoder accepts.
type Mode uint8

const (
	// ModeSOP accepts SOP only. SOP' and SOP'' are reported as unsupported.
	ModeSOP Mode = iota

	// ModeSOPStar accepts SOP, SOP' and SOP''.
	ModeSOPStar

	// ModeCablePlug accepts SOP' only, as a VCONN powered device does.
	ModeCablePlug
)

// Decoder is the receive pipeline: it finds the preamble, classifies the
// ordered set, decodes header and data objects, and checks CRC and EOP.
type Decoder struct {
	// Mode selects the accepted ordered sets.
	Mode Mode

	// Port is only used to tag log entries.
	Port int

	// Log receives receive errors. It may be nil.
	Log *zap.Logger

	// Verbosity enables raw sample dumps at level 2. It may be nil.
	Verbosity *pdlink.Verbosity
}

func classifySOP(v uint32) (pdmsg.FrameType, bool) {
	switch v {
	case bmc.SOP:
		return pdmsg.SOP, true
	case bmc.SOPPrime:
		return pdmsg.SOPPrime, true
	case bmc.SOPDoublePrime:
		return pdmsg.SOPDoublePrime, true
	}
	return pdmsg.SOPInvalid, false
}

// Accepts returns true if messages framed with s are received in mode m.
// The same set of ordered sets is used for transmission.
func (m Mode) Accepts(s pdmsg.FrameType) bool {
	switch m {
	case ModeSOPStar:
		return true
	case ModeCablePlug:
		return s == pdmsg.SOPPrime
	default:
		return s == pdmsg.SOP
	}
}

// symbolDecoder accumulates 4b5b decoding over a frame and remembers whether
// any symbol was not a data symbol.
type symbolDecoder struct {
	r   pdlink.BitReader
	bad bool
}

func (s *symbolDecoder) short(off int) (int, uint16, error) {
	off, w, err := s.r.DequeueBits(off, 20)
	if err != nil {
		return off, 0, err
	}
	var v uint16
	for i := 0; i < 4; i++ {
		n := bmc.Decode4b5b(uint8(w >> (5 * i)))
		if !bmc.IsData(n) {
			s.bad = true
		}
		v |= uint16(n&0xF) << (4 * i)
	}
	return off, v, nil
}

func (s *symbolDecoder) word(off int) (int, uint32, error) {
	off, lo, err := s.short(off)
	if err != nil {
		return off, 0, err
	}
	off, hi, err := s.short(off)
	return off, uint32(lo) | uint32(hi)<<16, err
}

// Decode parses the frame currently held by r. Hard and cable resets are
// returned as pdlink.ErrHardReset and pdlink.ErrCableReset straight from the
// preamble search. Any other failure wraps one of the receive path errors of
// package pdlink.
func (d *Decoder) Decode(r pdlink.BitReader) (pdmsg.Message, error) {
	var m pdmsg.Message

	r.InitDequeue()

	// Detect preamble

	bit, err := r.FindPreamble()
	if pdlink.IsReset(err) {
		return m, err
	}
	if err != nil {
		return m, d.fail(r, "preamble", pdlink.ErrPreamble)
	}

	// Find the Start Of Packet sequence

	for {
		var v uint32
		if bit, v, err = r.DequeueBits(bit, 20); err != nil {
			return m, d.fail(r, "sop", pdlink.ErrPreamble)
		}
		sop, ok := classifySOP(v)
		if !ok {
			continue
		}
		if !d.Mode.Accepts(sop) {
			return m, d.fail(r, sop.String(), pdlink.ErrUnsupportedSOP)
		}
		m.SOP = sop
		break
	}

	// Header and payload

	sd := symbolDecoder{r: r}
	if bit, m.Header, err = sd.short(bit); err != nil {
		return m, d.fail(r, "header", pdlink.ErrLen)
	}
	cnt := int(m.DataObjectCount())
	for p := 0; p < cnt; p++ {
		if bit, m.Data[p], err = sd.word(bit); err != nil {
			return m, d.fail(r, "len", pdlink.ErrLen)
		}
	}
	ccrc := CRC(m.Header, m.Data[:cnt])

	// Check transmitted CRC

	var pcrc uint32
	if bit, pcrc, err = sd.word(bit); err != nil {
		return m, d.fail(r, "crc", pdlink.ErrLen)
	}
	if pcrc != ccrc || sd.bad {
		return m, d.fail(r, "crc", fmt.Errorf("%w: %08x <> %08x", pdlink.ErrCRC, pcrc, ccrc))
	}

	// EOP is 5 bits, but the last one may not be dequeued depending on the
	// ending state of the CC line, so stop at 4 bits. Its last bit is 0.

	var eop uint32
	if _, eop, err = r.DequeueBits(bit, 4); err != nil || eop != uint32(bmc.EOP) {
		return m, d.fail(r, "eop", pdlink.ErrEOP)
	}

	return m, nil
}

func (d *Decoder) fail(r pdlink.BitReader, stage string, err error) error {
	if d.Log != nil {
		fields := []zap.Field{zap.Int("port", d.Port), zap.String("stage", stage), zap.Error(err)}
		if dm, ok := r.(pdlink.Dumper); ok && d.Verbosity.Level() >= 2 {
			fields = append(fields, zap.String("samples", hex.EncodeToString(dm.RawSamples())))
		}
		d.Log.Debug("RXERR", fields...)
	}
	return fmt.Errorf("%s: %w", stage, err)
}
