// Package frame assembles and parses USB Power Delivery frames on top of a
// bit-level PHY: preamble, SOP* ordered set, 4b5b encoded header and data
// objects, CRC-32 and EOP.
package frame

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/bmc"
	"github.com/oxplot/go-pdlink/pdmsg"
)

func writeShort(w pdlink.SymbolWriter, off int, v uint16) int {
	off = w.WriteSymbol(off, bmc.Symbol(uint8(v)))
	off = w.WriteSymbol(off, bmc.Symbol(uint8(v>>4)))
	off = w.WriteSymbol(off, bmc.Symbol(uint8(v>>8)))
	return w.WriteSymbol(off, bmc.Symbol(uint8(v>>12)))
}

func writeWord(w pdlink.SymbolWriter, off int, v uint32) int {
	off = writeShort(w, off, uint16(v))
	return writeShort(w, off, uint16(v>>16))
}

func writeOrderedSet(w pdlink.SymbolWriter, off int, set uint32) int {
	for i := 0; i < 4; i++ {
		off = w.WriteSymbol(off, bmc.BMC(uint8(set>>(5*i))&0x1F))
	}
	return off
}

// orderedSet returns the ordered set starting a message addressed with s.
func orderedSet(s pdmsg.FrameType) uint32 {
	switch s {
	case pdmsg.SOPPrime:
		return bmc.SOPPrime
	case pdmsg.SOPDoublePrime:
		return bmc.SOPDoublePrime
	default:
		return bmc.SOP
	}
}

// CRC returns the CRC-32 of a message: header then data objects, each little
// endian.
func CRC(header uint16, data []uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[:2], header)
	crc := crc32.Update(0, crc32.IEEETable, b[:2])
	for _, d := range data {
		binary.LittleEndian.PutUint32(b[:], d)
		crc = crc32.Update(crc, crc32.IEEETable, b[:])
	}
	return crc
}

// WriteMessage encodes m in the PHY buffer and returns the frame length.
// The number of data objects written is taken from the header.
func WriteMessage(w pdlink.SymbolWriter, m pdmsg.Message) int {
	off := w.WritePreamble()
	off = writeOrderedSet(w, off, orderedSet(m.SOP))
	off = writeShort(w, off, m.Header)
	data := m.Objects()
	for _, d := range data {
		off = writeWord(w, off, d)
	}
	off = writeWord(w, off, CRC(m.Header, data))
	off = w.WriteSymbol(off, bmc.BMC(bmc.EOP))
	return w.WriteLastEdge(off)
}

// WriteHardReset encodes the Hard Reset signal and returns its length.
func WriteHardReset(w pdlink.SymbolWriter) int {
	off := w.WritePreamble()
	off = writeOrderedSet(w, off, bmc.HardReset)
	return w.WriteLastEdge(off)
}

// WriteCableReset encodes the Cable Reset signal and returns its length.
func WriteCableReset(w pdlink.SymbolWriter) int {
	off := w.WritePreamble()
	off = writeOrderedSet(w, off, bmc.CableReset)
	return w.WriteLastEdge(off)
}

// WriteBISTCarrier encodes a short run of alternating ones and zeros meant to
// be transmitted in circular mode for BIST Carrier Mode 2, and returns its
// length. There is no preamble: the pattern is the whole buffer.
func WriteBISTCarrier(w pdlink.SymbolWriter) int {
	off := w.WriteSymbol(0, bmc.BMC(0x15))
	off = w.WriteSymbol(off, bmc.BMC(0x0A))
	off = w.WriteSymbol(off, bmc.BMC(0x15))
	return w.WriteSymbol(off, bmc.BMC(0x0A))
}
