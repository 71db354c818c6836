package frame_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/bmc"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/simphy"
)

// Logical bit offsets inside a message frame.
const (
	preambleBits = 64
	headerStart  = preambleBits + 20
	dataStart    = headerStart + 20
)

func encode(m pdmsg.Message) []byte {
	return simphy.Encode(func(w pdlink.SymbolWriter) int {
		return frame.WriteMessage(w, m)
	})
}

func decode(t *testing.T, d *frame.Decoder, cells []byte) (pdmsg.Message, error) {
	t.Helper()
	p := simphy.New()
	p.Inject(cells)
	m, err := d.Decode(p)
	p.RxComplete()
	return m, err
}

func message(sop pdmsg.FrameType, t pdmsg.Type, id uint8, objs ...uint32) pdmsg.Message {
	m := pdmsg.Message{SOP: sop}
	m.Header = pdmsg.NewHeader(t, pdmsg.PowerRoleSource, pdmsg.DataRoleDFP, id, uint8(len(objs)), pdmsg.Revision20)
	copy(m.Data[:], objs)
	return m
}

func TestRoundTrip(t *testing.T) {
	objs := []uint32{0x0801912c, 0x0002d12c, 0x0003c12c, 0x0004b12c, 0xc1a42164, 0xdeadbeef, 0x00000000}
	d := &frame.Decoder{Mode: frame.ModeSOPStar}
	for _, sop := range []pdmsg.FrameType{pdmsg.SOP, pdmsg.SOPPrime, pdmsg.SOPDoublePrime} {
		for n := 0; n <= pdmsg.MaxDataObjects; n++ {
			want := message(sop, pdmsg.TypeSourceCap, uint8(n), objs[:n]...)
			if n == 0 {
				want.SetType(pdmsg.TypeAccept)
			}
			got, err := decode(t, d, encode(want))
			if err != nil {
				t.Fatalf("%s with %d objects: %v", sop, n, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("%s with %d objects (-want +got):\n%s", sop, n, diff)
			}
		}
	}
}

func TestGoodCRCHeader(t *testing.T) {
	m := pdmsg.Message{Header: pdmsg.NewHeader(pdmsg.TypeGoodCRC, pdmsg.PowerRoleSink, pdmsg.DataRoleUFP, 3, 0, pdmsg.Revision30)}
	got, err := decode(t, &frame.Decoder{}, encode(m))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != 3 || !got.IsGoodCRC() {
		t.Fatalf("got %s", got)
	}
}

func TestPreambleAlternates(t *testing.T) {
	cells := encode(message(pdmsg.SOP, pdmsg.TypeAccept, 0))
	for k := 0; k < preambleBits; k++ {
		bit := cells[2*k] != cells[2*k+1]
		if want := k%2 == 1; bit != want {
			t.Fatalf("preamble bit %d = %v, want %v", k, bit, want)
		}
	}
}

func TestSingleBitFlip(t *testing.T) {
	m := message(pdmsg.SOP, pdmsg.TypeRequest, 5, 0x12345678, 0x9abcdef0)
	cells := encode(m)
	d := &frame.Decoder{}
	crcEnd := dataStart + 40*2 + 40

	// Payload and CRC bits always end in a CRC mismatch.
	for k := dataStart; k < crcEnd; k++ {
		_, err := decode(t, d, simphy.FlipBit(cells, k))
		if !errors.Is(err, pdlink.ErrCRC) {
			t.Errorf("bit %d: got %v, want ErrCRC", k, err)
		}
	}

	// Header bits may also change the object count, which moves the CRC
	// and EOP. The message must never be accepted.
	for k := headerStart; k < dataStart; k++ {
		if got, err := decode(t, d, simphy.FlipBit(cells, k)); err == nil {
			t.Errorf("bit %d: corrupted header accepted as %s", k, got)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	msg := message(pdmsg.SOP, pdmsg.TypeRequest, 1, 0x1000)
	cells := encode(msg)
	eopStart := dataStart + 40 + 40

	tests := []struct {
		name  string
		mode  frame.Mode
		cells []byte
		want  error
	}{
		{"empty", frame.ModeSOP, nil, pdlink.ErrPreamble},
		{"noise", frame.ModeSOP, []byte{0, 0, 1, 1, 0, 1, 0, 0}, pdlink.ErrPreamble},
		{"hard reset", frame.ModeSOP, simphy.Encode(frame.WriteHardReset), pdlink.ErrHardReset},
		{"cable reset", frame.ModeSOP, simphy.Encode(frame.WriteCableReset), pdlink.ErrCableReset},
		{"sop prime", frame.ModeSOP, encode(message(pdmsg.SOPPrime, pdmsg.TypeAccept, 0)), pdlink.ErrUnsupportedSOP},
		{"cable plug sop", frame.ModeCablePlug, cells, pdlink.ErrUnsupportedSOP},
		{"cable plug sop''", frame.ModeCablePlug, encode(message(pdmsg.SOPDoublePrime, pdmsg.TypeAccept, 0)), pdlink.ErrUnsupportedSOP},
		{"truncated", frame.ModeSOP, cells[:2*(dataStart+20)], pdlink.ErrLen},
		{"eop", frame.ModeSOP, simphy.FlipBit(cells, eopStart+1), pdlink.ErrEOP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(t, &frame.Decoder{Mode: tt.mode}, tt.cells)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCablePlugAcceptsSOPPrime(t *testing.T) {
	want := message(pdmsg.SOPPrime, pdmsg.TypeSoftReset, 2)
	got, err := decode(t, &frame.Decoder{Mode: frame.ModeCablePlug}, encode(want))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCRC(t *testing.T) {
	// Reference values from zlib.crc32 over the little endian bytes.
	tests := []struct {
		name   string
		header uint16
		data   []uint32
		want   uint32
	}{
		{"goodcrc", 0x0041, nil, 0xa8bb6cbb},
		{"accept", 0x0161, nil, 0x4a38788f},
		{"request", 0x1161, []uint32{0x2301912c}, 0x82a3411c},
		{"source cap", 0x2043, []uint32{0x0001912c, 0x0002d12c}, 0x6c55a241},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frame.CRC(tt.header, tt.data); got != tt.want {
				t.Fatalf("got %#08x, want %#08x", got, tt.want)
			}
		})
	}
}

func TestCRCOnWire(t *testing.T) {
	m := pdmsg.Message{Header: 0x0041}
	p := simphy.New()
	p.Inject(encode(m))
	start, err := p.FindPreamble()
	if err != nil {
		t.Fatal(err)
	}
	if start != preambleBits {
		t.Fatalf("ordered set at %d, want %d", start, preambleBits)
	}

	// Low half first, each half low nibble first.
	var want []uint8
	for _, half := range []uint16{0x6cbb, 0xa8bb} {
		for k := 0; k < 4; k++ {
			want = append(want, bmc.Encode4b5b(uint8(half>>(4*k))&0xf))
		}
	}
	var got []uint8
	off := start + 40
	for k := 0; k < 8; k++ {
		var v uint32
		if off, v, err = p.DequeueBits(off, 5); err != nil {
			t.Fatalf("symbol %d: %v", k, err)
		}
		got = append(got, uint8(v))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("crc symbols (-want +got):\n%s", diff)
	}
}
