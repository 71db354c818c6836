// Package bmc implements the symbol level line code of USB Power Delivery:
// the 4b5b data alphabet with its K-codes, and Biphase Mark Coding.
package bmc

// K-codes, as 5 bit line symbols.
const (
	Sync1 uint8 = 0x18 // 11000 Startsynch #1
	Sync2 uint8 = 0x11 // 10001 Startsynch #2
	Sync3 uint8 = 0x06 // 00110 Startsynch #3
	RST1  uint8 = 0x07 // 00111 Hard Reset #1
	RST2  uint8 = 0x19 // 11001 Hard Reset #2
	EOP   uint8 = 0x0D // 01101 End Of Packet
)

// Values returned by Decode4b5b for symbols that are not data.
const (
	DecError uint8 = 0x10
	DecSync1 uint8 = 0x11
	DecSync2 uint8 = 0x12
	DecRST1  uint8 = 0x13
	DecRST2  uint8 = 0x14
	DecEOP   uint8 = 0x15
)

// OrderedSet packs four K-codes into the 20 bit value they form on the line,
// first symbol in the least significant bits.
func OrderedSet(k0, k1, k2, k3 uint8) uint32 {
	return uint32(k0) | uint32(k1)<<5 | uint32(k2)<<10 | uint32(k3)<<15
}

// Ordered sets starting a frame.
var (
	SOP            = OrderedSet(Sync1, Sync1, Sync1, Sync2)
	SOPPrime       = OrderedSet(Sync1, Sync1, Sync3, Sync3)
	SOPDoublePrime = OrderedSet(Sync1, Sync3, Sync1, Sync3)
	HardReset      = OrderedSet(RST1, RST1, RST1, RST2)
	CableReset     = OrderedSet(RST1, Sync1, RST1, Sync3)
)

var enc4b5b = [16]uint8{
	0x1E, // 0 = 0000 -> 11110
	0x09, // 1 = 0001 -> 01001
	0x14, // 2 = 0010 -> 10100
	0x15, // 3 = 0011 -> 10101
	0x0A, // 4 = 0100 -> 01010
	0x0B, // 5 = 0101 -> 01011
	0x0E, // 6 = 0110 -> 01110
	0x0F, // 7 = 0111 -> 01111
	0x12, // 8 = 1000 -> 10010
	0x13, // 9 = 1001 -> 10011
	0x16, // A = 1010 -> 10110
	0x17, // B = 1011 -> 10111
	0x1A, // C = 1100 -> 11010
	0x1B, // D = 1101 -> 11011
	0x1C, // E = 1110 -> 11100
	0x1D, // F = 1111 -> 11101
}

var dec4b5b = [32]uint8{
	DecError, // 00000
	DecError, // 00001
	DecError, // 00010
	DecError, // 00011
	DecError, // 00100
	DecError, // 00101
	DecError, // 00110 Sync-3 is only valid inside an ordered set
	DecRST1,  // 00111
	DecError, // 01000
	0x01,     // 01001
	0x04,     // 01010
	0x05,     // 01011
	DecError, // 01100
	DecEOP,   // 01101
	0x06,     // 01110
	0x07,     // 01111
	DecError, // 10000
	DecSync2, // 10001
	0x08,     // 10010
	0x09,     // 10011
	0x02,     // 10100
	0x03,     // 10101
	0x0A,     // 10110
	0x0B,     // 10111
	DecSync1, // 11000
	DecRST2,  // 11001
	0x0C,     // 11010
	0x0D,     // 11011
	0x0E,     // 11100
	0x0F,     // 11101
	0x00,     // 11110
	DecError, // 11111
}

// symbols caches BMC(Encode4b5b(n)) for every nibble.
var symbols [16]uint16

func init() {
	for n := range symbols {
		symbols[n] = BMC(enc4b5b[n])
	}
}

// Encode4b5b returns the 5 bit line symbol of the low nibble of n.
func Encode4b5b(n uint8) uint8 {
	return enc4b5b[n&0xF]
}

// Decode4b5b returns the nibble carried by the 5 bit symbol s, or one of the
// Dec* values for K-codes and invalid symbols.
func Decode4b5b(s uint8) uint8 {
	return dec4b5b[s&0x1F]
}

// IsData returns true if a Decode4b5b result is a data nibble.
func IsData(d uint8) bool {
	return d < DecError
}

// BMC encodes the 5 bit symbol x as 10 half-bit cells, least significant
// first. Every bit starts with a transition and a one has another one in its
// middle, so each cell after a zero bit is inverted with respect to the
// previous bit. The result still has to be XOR-ed with the line level the
// previous symbol ended on.
func BMC(x uint8) uint16 {
	var v uint16
	for i := 0; i < 5; i++ {
		if x&(1<<i) != 0 {
			v ^= 1 << (2 * i)
		} else {
			v ^= (0x3FF << (2 * i)) & 0x3FF
		}
	}
	return v
}

// Symbol returns the BMC encoded 4b5b symbol of the low nibble of n.
func Symbol(n uint8) uint16 {
	return symbols[n&0xF]
}
