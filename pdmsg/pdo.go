package pdmsg

import "fmt"

// PDO is a generic Power Data Object. Based on its type, it should be
// converted to specific PDO type to allow extracting various fields.
type PDO uint32

// Type returns the type of the power data object.
func (o PDO) Type() PDOType {
	h := (o >> 30) & 0b11
	if h == 0b11 {
		return PDOType((((o >> 28) & 0b11) << 3) | 0b100 | h)
	}
	return PDOType(h)
}

// String describes the power data object, for example "fixed 9.0V 3.0A".
func (o PDO) String() string {
	switch o.Type() {
	case PDOTypeFixedSupply:
		fs := FixedSupplyPDO(o)
		return fmt.Sprintf("fixed %.1fV %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
	case PDOTypeVariableSupply:
		return "variable"
	case PDOTypeBattery:
		return "battery"
	case PDOTypePPS:
		pps := PPSPDO(o)
		s := fmt.Sprintf("pps %.1f-%.1fV %.1fA", float32(pps.MinVoltage())/1000,
			float32(pps.MaxVoltage())/1000, float32(pps.MaxCurrent())/1000)
		if pps.IsPowerLimited() {
			s += " (power limited)"
		}
		return s
	case PDOTypeEPRAVS:
		return "epr-avs"
	default:
		return "invalid"
	}
}

// PDOType represents the type of a power data object.
type PDOType uint8

// Power data object types.
const (
	PDOTypeFixedSupply    PDOType = 0b00
	PDOTypeBattery        PDOType = 0b01
	PDOTypeVariableSupply PDOType = 0b10
	PDOTypePPS            PDOType = 0b00111 // This value is specific to our library
	PDOTypeEPRAVS         PDOType = 0b01111 // This value is specific to our library
)

// FixedSupplyPDO represents a Fixed Supply Power Data Object
type FixedSupplyPDO uint32

// NewFixedSupplyPDO returns a new blank FixedSupplyPDO.
func NewFixedSupplyPDO() FixedSupplyPDO {
	return FixedSupplyPDO(0)
}

// Voltage returns voltage in millivolts.
func (o FixedSupplyPDO) Voltage() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 50)
}

// SetVoltage will round the given voltage to the nearest 50mV.
func (o *FixedSupplyPDO) SetVoltage(v uint16) {
	*o = (*o & ^((FixedSupplyPDO(1)<<10 - 1) << 10)) | ((FixedSupplyPDO(v)/50)&(1<<10-1))<<10
}

// MaxCurrent returns maximum current in milliamps
func (o FixedSupplyPDO) MaxCurrent() uint16 {
	return uint16((o & (1<<10 - 1)) * 10)
}

// SetMaxCurrent will round the given current to the nearest 10mA.
func (o *FixedSupplyPDO) SetMaxCurrent(v uint16) {
	*o = (*o & ^(FixedSupplyPDO(1)<<10 - 1)) | (FixedSupplyPDO(v)/10)&(1<<10-1)
}

// PPSPDO represents a Programmable Power Supply Power Data Object
type PPSPDO uint32

// MinVoltage returns minimum voltage in millivolts.
func (o PPSPDO) MinVoltage() uint16 {
	return ((uint16(o) >> 8) & (uint16(1)<<8 - 1)) * 100
}

// MaxVoltage returns maximum voltage in millivolts.
func (o PPSPDO) MaxVoltage() uint16 {
	return (uint16(o>>17) & (uint16(1)<<8 - 1)) * 100
}

// MaxCurrent returns maximum current in milliamps.
func (o PPSPDO) MaxCurrent() uint16 {
	return (uint16(o) & (uint16(1)<<7 - 1)) * 50
}

// IsPowerLimited returns true if the source may not supply the full current
// over the whole voltage range.
func (o PPSPDO) IsPowerLimited() bool {
	return o&(1<<27) != 0
}

// RequestDO represents a Request Data Object.
type RequestDO uint32

// EmptyRequestDO is returned by capability evaluators to indicate that they
// do not accept any of the power profiles supported by the power source.
const EmptyRequestDO RequestDO = 0

// SelectedObjectPosition returns the position number of the PDO in the source
// capability message, starting at 1.
func (o RequestDO) SelectedObjectPosition() uint8 {
	return uint8(o >> 28)
}

// SetSelectedObjectPosition sets the position number of the PDO the source
// capability message, starting at 1.
func (o *RequestDO) SetSelectedObjectPosition(p uint8) {
	*o = (*o & ^(RequestDO(0b1111) << 28)) | RequestDO(p)<<28
}

// FixedOperatingCurrent returns current in milliamps for fixed request
// objects.
func (o RequestDO) FixedOperatingCurrent() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 10)
}

// SetFixedOperatingCurrent sets current in milliamps rounded to nearest 10mA
// for fixed request objects.
func (o *RequestDO) SetFixedOperatingCurrent(c uint16) {
	*o = (*o & ^((RequestDO(1)<<10 - 1) << 10)) | ((RequestDO(c)/10)&(1<<10-1))<<10
}

// FixedMaxOperatingCurrent returns current in milliamps for fixed request
// objects without GiveBack support.
func (o RequestDO) FixedMaxOperatingCurrent() uint16 {
	return uint16((o & (1<<10 - 1)) * 10)
}

// SetFixedMaxOperatingCurrent sets current in milliamps rounded to nearest
// 10mA for fixed request objects without GiveBack support.
func (o *RequestDO) SetFixedMaxOperatingCurrent(c uint16) {
	*o = (*o & ^(RequestDO(1)<<10 - 1)) | ((RequestDO(c) / 10) & (1<<10 - 1))
}
