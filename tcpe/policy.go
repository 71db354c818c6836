package tcpe

import (
	"errors"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink/pdmsg"
)

var (
	errBadVoltage            = errors.New("tcpe: voltage must be >= 3300mV & <= 21000 mV")
	errBadCurrent            = errors.New("tcpe: current must be >= 0mA & <= 5000mA")
	errMaxVoltageLessThanMin = errors.New("tcpe: max voltage must be >= min voltage")
)

// FixedPolicy requests a fixed supply profile within a voltage range that
// can deliver at least Current. Among several matching profiles, the highest
// voltage is chosen unless PreferLowerVoltage is set.
type FixedPolicy struct {
	MinVoltage uint16 `yaml:"min_voltage"` // mV
	MaxVoltage uint16 `yaml:"max_voltage"` // mV
	Current    uint16 `yaml:"current"`     // mA

	PreferLowerVoltage bool `yaml:"prefer_lower_voltage"`
}

// Validate returns an error if the policy parameters are invalid.
func (p FixedPolicy) Validate() error {
	if p.Current > 5000 {
		return errBadCurrent
	}
	if p.MinVoltage < 3300 || p.MaxVoltage < 3300 || p.MinVoltage > 21000 || p.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if p.MinVoltage > p.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapabilities implements CapabilityEvaluator.
func (p FixedPolicy) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var best uint16
	if p.PreferLowerVoltage {
		best = ^uint16(0)
	}
	rdo := pdmsg.EmptyRequestDO
	for i, o := range pdos {
		if o.Type() != pdmsg.PDOTypeFixedSupply {
			continue
		}
		fs := pdmsg.FixedSupplyPDO(o)
		v := fs.Voltage()
		if v < p.MinVoltage || v > p.MaxVoltage || fs.MaxCurrent() < p.Current {
			continue
		}
		if (p.PreferLowerVoltage && v < best) || (!p.PreferLowerVoltage && v > best) {
			rdo.SetSelectedObjectPosition(uint8(i) + 1)
			rdo.SetFixedMaxOperatingCurrent(p.Current)
			rdo.SetFixedOperatingCurrent(p.Current)
			best = v
		}
	}
	return rdo
}

// LogCapabilities returns an evaluator logging the offered profiles before
// passing them to next. With a nil next, every offer is declined.
func LogCapabilities(log *zap.Logger, next CapabilityEvaluator) CapabilityEvaluator {
	return CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		for i, o := range pdos {
			log.Info("source capability", zap.Int("position", i+1), zap.Stringer("pdo", o))
		}
		if next == nil {
			return pdmsg.EmptyRequestDO
		}
		rdo := next.EvaluateCapabilities(pdos)
		log.Info("requesting", zap.Uint8("position", rdo.SelectedObjectPosition()),
			zap.Uint16("current_ma", rdo.FixedOperatingCurrent()))
		return rdo
	})
}
