// Package cc classifies the voltage read on a CC pin according to the
// termination the port presents on it.
package cc

// Pull is the termination a port applies on its CC pins. The values match
// the TCPCI ROLE_CTRL CC fields.
type Pull uint8

// CC terminations.
const (
	PullRa   Pull = 0
	PullRp   Pull = 1
	PullRd   Pull = 2
	PullOpen Pull = 3
)

func (p Pull) String() string {
	switch p {
	case PullRa:
		return "Ra"
	case PullRp:
		return "Rp"
	case PullRd:
		return "Rd"
	default:
		return "open"
	}
}

// VoltageStatus is the state of a CC pin. The values match the TCPCI
// CC_STATUS fields.
type VoltageStatus uint8

// CC pin states.
const (
	Open  VoltageStatus = 0
	Ra    VoltageStatus = 1
	Rd    VoltageStatus = 2
	RpDef VoltageStatus = 5
	Rp1A5 VoltageStatus = 6
	Rp3A0 VoltageStatus = 7
)

func (v VoltageStatus) String() string {
	switch v {
	case Open:
		return "open"
	case Ra:
		return "Ra"
	case Rd:
		return "Rd"
	case RpDef:
		return "Rp-default"
	case Rp1A5:
		return "Rp-1.5A"
	case Rp3A0:
		return "Rp-3.0A"
	default:
		return "invalid"
	}
}

// IsRp returns true if the partner presents a pull up.
func (v VoltageStatus) IsRp() bool {
	return v >= RpDef
}

// Current returns the current in milliamps advertised by an Rp status, or 0.
func (v VoltageStatus) Current() int {
	switch v {
	case RpDef:
		return 500
	case Rp1A5:
		return 1500
	case Rp3A0:
		return 3000
	}
	return 0
}

// Thresholds are the boundaries between voltage bands, in millivolts. Each
// boundary belongs to the band above it.
type Thresholds struct {
	// Presenting Rp.
	SourceOpen int `yaml:"source_open"` // at or above: nothing attached
	SourceRd   int `yaml:"source_rd"`   // at or above: Rd, below: Ra

	// Presenting Rd.
	SinkRp3A0 int `yaml:"sink_rp_3a0"`
	SinkRp1A5 int `yaml:"sink_rp_1a5"`
	SinkRpDef int `yaml:"sink_rp_def"`
}

// DefaultThresholds are the bands for a 3.3V Rp source and a 5.1k Rd.
var DefaultThresholds = Thresholds{
	SourceOpen: 1600,
	SourceRd:   200,
	SinkRp3A0:  1230,
	SinkRp1A5:  660,
	SinkRpDef:  250,
}

// Classify returns the status of a pin read at mv millivolts while the port
// presents pull.
func (t Thresholds) Classify(pull Pull, mv int) VoltageStatus {
	switch pull {
	case PullRp:
		switch {
		case mv >= t.SourceOpen:
			return Open
		case mv < t.SourceRd:
			return Ra
		default:
			return Rd
		}
	case PullRd:
		switch {
		case mv >= t.SinkRp3A0:
			return Rp3A0
		case mv >= t.SinkRp1A5:
			return Rp1A5
		case mv >= t.SinkRpDef:
			return RpDef
		default:
			return Open
		}
	}
	return Open
}

// Classify uses DefaultThresholds.
func Classify(pull Pull, mv int) VoltageStatus {
	return DefaultThresholds.Classify(pull, mv)
}
