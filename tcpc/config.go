package tcpc

import (
	"time"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/cc"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/link"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/trace"
)

// Identification register values.
const (
	DefaultVendorID  = 0x18D1
	DefaultProductID = 0x5011
	DefaultBCDDevice = 0x0001
)

// Tracer receives a record of every frame a port receives or transmits.
// *trace.Writer implements it.
type Tracer interface {
	Record(trace.Record) error
}

// Config holds the configuration of a port.
type Config struct {
	// RxBufferSize is the number of received messages the port holds until
	// the TCPM reads them. Messages arriving on a full buffer are not
	// acknowledged. Sizes below one are raised to one.
	RxBufferSize int

	RetryCount int
	RxTimeout  time.Duration

	// Mode selects the SOP* ordered sets received and transmitted.
	Mode frame.Mode

	// DefaultRole selects the termination applied at init: Rp for a source,
	// Rd for a sink.
	DefaultRole pdmsg.PowerRole

	// LowPower lets the run loop poll less often while unattached.
	LowPower bool

	Thresholds cc.Thresholds

	VendorID  uint16
	ProductID uint16
	BCDDevice uint16

	Logger    *zap.Logger
	Verbosity *pdlink.Verbosity

	// AlertHandler is called, outside of any lock, when an alert enabled in
	// the alert mask is raised. It plays the role of the Alert# line.
	AlertHandler func(*Port)

	Tracer Tracer

	// Now is the clock used for the low power timestamp.
	Now func() time.Time
}

func defaultConfig() Config {
	return Config{
		RxBufferSize: 2,
		RetryCount:   link.DefaultRetryCount,
		RxTimeout:    link.DefaultRxTimeout,
		Mode:         frame.ModeSOP,
		DefaultRole:  pdmsg.PowerRoleSink,
		Thresholds:   cc.DefaultThresholds,
		VendorID:     DefaultVendorID,
		ProductID:    DefaultProductID,
		BCDDevice:    DefaultBCDDevice,
		Logger:       zap.NewNop(),
		Now:          time.Now,
	}
}

// Option configures a port.
type Option func(*Config)

// WithRxBufferSize sets the receive buffer capacity.
func WithRxBufferSize(n int) Option {
	return func(c *Config) {
		c.RxBufferSize = n
	}
}

// WithRetryCount sets the number of transmit retries.
func WithRetryCount(n int) Option {
	return func(c *Config) {
		c.RetryCount = n
	}
}

// WithRxTimeout sets the GoodCRC response timeout.
func WithRxTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RxTimeout = d
	}
}

// WithMode selects the SOP* ordered sets handled by the port.
func WithMode(m frame.Mode) Option {
	return func(c *Config) {
		c.Mode = m
	}
}

// WithDefaultRole sets the power role the port starts in.
func WithDefaultRole(r pdmsg.PowerRole) Option {
	return func(c *Config) {
		c.DefaultRole = r
	}
}

// WithLowPower enables the long poll interval while unattached.
func WithLowPower(on bool) Option {
	return func(c *Config) {
		c.LowPower = on
	}
}

// WithThresholds sets the CC voltage bands.
func WithThresholds(t cc.Thresholds) Option {
	return func(c *Config) {
		c.Thresholds = t
	}
}

// WithIDs sets the identification registers.
func WithIDs(vendor, product, bcd uint16) Option {
	return func(c *Config) {
		c.VendorID, c.ProductID, c.BCDDevice = vendor, product, bcd
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithVerbosity shares a debug level with the port.
func WithVerbosity(v *pdlink.Verbosity) Option {
	return func(c *Config) {
		c.Verbosity = v
	}
}

// WithAlertHandler sets the function called on enabled alerts.
func WithAlertHandler(fn func(*Port)) Option {
	return func(c *Config) {
		c.AlertHandler = fn
	}
}

// WithTracer records every frame to t.
func WithTracer(t Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithClock replaces the clock used for low power decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}
