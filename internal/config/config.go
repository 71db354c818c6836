// Package config handles the YAML configuration file of the pdlink command.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/link"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/tcpc"
	"github.com/oxplot/go-pdlink/tcpe"
)

// Config represents a pdlink.yaml configuration file. Values missing from
// the file keep their Default value, and command line flags override both.
type Config struct {
	Log       LogConfig  `yaml:"log"`
	Verbosity int        `yaml:"verbosity"`
	Port      PortConfig `yaml:"port"`
	Sim       SimConfig  `yaml:"sim"`
	Sink      SinkConfig `yaml:"sink"`
}

// LogConfig selects the logger output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// PortConfig holds the settings of the emulated port controllers.
type PortConfig struct {
	RxBufferSize int           `yaml:"rx_buffer_size"`
	RetryCount   int           `yaml:"retry_count"`
	RxTimeout    Duration      `yaml:"rx_timeout"`
	Mode         string        `yaml:"mode"` // sop, sop*, cable-plug
	LowPower     bool          `yaml:"low_power"`
	Thresholds   cc.Thresholds `yaml:"thresholds"`
}

// SimConfig holds the settings of the simulated source and sink pair.
type SimConfig struct {
	Duration Duration `yaml:"duration"` // zero runs until interrupted
	Trace    string   `yaml:"trace"`    // CBOR trace output file
	Console  string   `yaml:"console"`  // serial device serving the console
	Baud     int      `yaml:"baud"`
	// Source capabilities advertised, in mV and mA.
	Supplies []Supply         `yaml:"supplies"`
	Policy   tcpe.FixedPolicy `yaml:"policy"`
}

// Supply is a fixed supply offered by the simulated source.
type Supply struct {
	Voltage uint16 `yaml:"voltage"`
	Current uint16 `yaml:"current"`
}

// SinkConfig holds the settings of the sink command on a hardware TCPC.
type SinkConfig struct {
	Bus     string           `yaml:"bus"`
	Address uint16           `yaml:"address"`
	Speed   int64            `yaml:"speed"` // Hz
	Policy  tcpe.FixedPolicy `yaml:"policy"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "1800us" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Port: PortConfig{
			RxBufferSize: 2,
			RetryCount:   link.DefaultRetryCount,
			RxTimeout:    Duration{link.DefaultRxTimeout},
			Mode:         "sop",
			Thresholds:   cc.DefaultThresholds,
		},
		Sim: SimConfig{
			Baud: 115200,
			Supplies: []Supply{
				{Voltage: 5000, Current: 3000},
				{Voltage: 9000, Current: 3000},
				{Voltage: 15000, Current: 3000},
				{Voltage: 20000, Current: 2250},
			},
			Policy: tcpe.FixedPolicy{MinVoltage: 9000, MaxVoltage: 15000, Current: 2000},
		},
		Sink: SinkConfig{
			Bus:     "1",
			Address: 0x50,
			Speed:   1000000,
			Policy:  tcpe.FixedPolicy{MinVoltage: 5000, MaxVoltage: 20000, Current: 1000},
		},
	}
}

// Load reads a YAML config file, expands environment variables, and
// unmarshals it over the defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} patterns in the input with
// the value of the environment variable. Unset variables without default
// expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		return groups[2]
	})
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

var modes = map[string]frame.Mode{
	"sop":        frame.ModeSOP,
	"sop*":       frame.ModeSOPStar,
	"cable-plug": frame.ModeCablePlug,
}

// Validate checks the values a port or policy cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Log.Format != "console" && c.Log.Format != "json":
		return &ValidationError{"log.format", fmt.Sprintf("unknown format %q", c.Log.Format)}
	case c.Verbosity < 0 || c.Verbosity > 2:
		return &ValidationError{"verbosity", "must be between 0 and 2"}
	case c.Port.RxBufferSize < 1:
		return &ValidationError{"port.rx_buffer_size", "must be at least 1"}
	case c.Port.RetryCount < 0:
		return &ValidationError{"port.retry_count", "must not be negative"}
	case c.Port.RxTimeout.Duration <= 0:
		return &ValidationError{"port.rx_timeout", "must be positive"}
	case len(c.Sim.Supplies) == 0 || len(c.Sim.Supplies) > pdmsg.MaxDataObjects:
		return &ValidationError{"sim.supplies", fmt.Sprintf("between 1 and %d supplies", pdmsg.MaxDataObjects)}
	}
	if _, ok := modes[c.Port.Mode]; !ok {
		return &ValidationError{"port.mode", fmt.Sprintf("unknown mode %q", c.Port.Mode)}
	}
	if err := c.Sim.Policy.Validate(); err != nil {
		return &ValidationError{"sim.policy", err.Error()}
	}
	if err := c.Sink.Policy.Validate(); err != nil {
		return &ValidationError{"sink.policy", err.Error()}
	}
	return nil
}

// PortOptions returns the port controller options matching the port
// settings. The configuration must be valid.
func (c *Config) PortOptions() []tcpc.Option {
	return []tcpc.Option{
		tcpc.WithRxBufferSize(c.Port.RxBufferSize),
		tcpc.WithRetryCount(c.Port.RetryCount),
		tcpc.WithRxTimeout(c.Port.RxTimeout.Duration),
		tcpc.WithMode(modes[c.Port.Mode]),
		tcpc.WithLowPower(c.Port.LowPower),
		tcpc.WithThresholds(c.Port.Thresholds),
	}
}

// SourceCapabilities returns the data objects of the simulated source.
func (c *Config) SourceCapabilities() []uint32 {
	pdos := make([]uint32, 0, len(c.Sim.Supplies))
	for _, s := range c.Sim.Supplies {
		p := pdmsg.NewFixedSupplyPDO()
		p.SetVoltage(s.Voltage)
		p.SetMaxCurrent(s.Current)
		pdos = append(pdos, uint32(p))
	}
	return pdos
}
