// Package link implements the transmit side of the protocol layer: sending a
// message and waiting for the matching GoodCRC with bounded retries, plus
// GoodCRC, reset signaling and BIST carrier transmission.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/frame"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/task"
)

// Protocol timings.
const (
	DefaultRxTimeout  = 1800 * time.Microsecond // GoodCRC response timeout
	DefaultRetryCount = 3
	RetryCountPD30    = 2

	BISTDuration = 50 * time.Millisecond

	// Last edges of a GoodCRC must not be taken for a new frame.
	goodCRCSettle = 20 * time.Microsecond
)

// Waiter suspends the calling task until one of the events in mask is
// raised or timeout expires, in which case task.ErrTimeout is returned.
// *task.Events implements it.
type Waiter interface {
	Wait(ctx context.Context, mask task.Event, timeout time.Duration) (task.Event, error)
}

type config struct {
	rxTimeout time.Duration
	retries   int
	decoder   *frame.Decoder
	log       *zap.Logger
	verbosity *pdlink.Verbosity
}

func defaultConfig() config {
	return config{
		rxTimeout: DefaultRxTimeout,
		retries:   DefaultRetryCount,
		log:       zap.NewNop(),
	}
}

// Option configures a Link.
type Option func(*config)

// WithRxTimeout sets how long to wait for a GoodCRC after each attempt.
func WithRxTimeout(d time.Duration) Option {
	return func(c *config) {
		c.rxTimeout = d
	}
}

// WithRetryCount sets the number of retries after the first attempt.
func WithRetryCount(n int) Option {
	return func(c *config) {
		c.retries = n
	}
}

// WithDecoder sets the decoder used to parse responses, so that it can be
// shared with the receive path.
func WithDecoder(d *frame.Decoder) Option {
	return func(c *config) {
		c.decoder = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithVerbosity shares a debug level with the link. Transmitted messages
// are logged from level 1.
func WithVerbosity(v *pdlink.Verbosity) Option {
	return func(c *config) {
		c.verbosity = v
	}
}

// Link sends messages over a PHY. It is owned by a single port task.
type Link struct {
	phy      pdlink.PHY
	w        Waiter
	cfg      config
	polarity atomic.Uint32
}

// New returns a link driving phy, suspending on w while waiting for
// acknowledgments.
func New(phy pdlink.PHY, w Waiter, opts ...Option) *Link {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.decoder == nil {
		cfg.decoder = &frame.Decoder{Log: cfg.log, Verbosity: cfg.verbosity}
	}
	return &Link{phy: phy, w: w, cfg: cfg}
}

// SetPolarity selects the CC pin used for transmission.
func (l *Link) SetPolarity(p pdlink.Polarity) {
	l.polarity.Store(uint32(p))
}

// Polarity returns the CC pin used for transmission.
func (l *Link) Polarity() pdlink.Polarity {
	return pdlink.Polarity(l.polarity.Load())
}

// RetryCount returns the configured number of retries.
func (l *Link) RetryCount() int {
	return l.cfg.retries
}

func (l *Link) transmit(n int) error {
	pol := l.Polarity()
	if err := l.phy.StartTx(pol, n); err != nil {
		return err
	}
	l.phy.TxDone(pol)
	return nil
}

// SendAndValidate transmits m and waits for a GoodCRC carrying its message
// ID, retrying up to the configured count. Source_Capabilities messages are
// sent only once. It returns the frame length on success and one of
// pdlink.ErrCollision, pdlink.ErrInvalidAck, pdlink.ErrNoAck or a reset
// error otherwise. Receive monitoring is left enabled.
func (l *Link) SendAndValidate(ctx context.Context, m pdmsg.Message) (int, error) {
	id := m.ID()
	retries := l.cfg.retries
	// Only the type field is compared, whatever the object count.
	if m.Type() == pdmsg.TypeSourceCap {
		retries = 0
	}
	if l.cfg.verbosity.Level() >= 1 {
		l.cfg.log.Debug("tx", zap.Stringer("msg", m))
	}

	for r := 0; r <= retries; r++ {
		n := frame.WriteMessage(l.phy, m)
		if err := l.transmit(n); err != nil {
			// Respond to what is being received, the caller will retry.
			return 0, err
		}

		// The first attempt samples the line right away with the edge
		// detector off, leaving the PHY to wait out the response time.
		// Later ones let the task yield until the PHY signals a frame.
		if r > 0 {
			l.phy.EnableMonitoring()
			_, err := l.w.Wait(ctx, task.EventRx, l.cfg.rxTimeout)
			if errors.Is(err, task.ErrTimeout) {
				continue
			}
			if err != nil {
				return 0, err
			}
			if !l.phy.RxStarted() {
				l.phy.DisableMonitoring()
				l.phy.RxStart()
			}
		} else {
			l.phy.DisableMonitoring()
			l.phy.RxStart()
		}

		rx, err := l.cfg.decoder.Decode(l.phy)
		l.phy.RxComplete()
		l.phy.EnableMonitoring()

		switch {
		case err == nil && rx.IsGoodCRC() && rx.ID() == id:
			time.Sleep(goodCRCSettle)
			return n, nil
		case err == nil:
			// The partner is sending its own message. Bail out so that it
			// gets processed.
			return 0, fmt.Errorf("%w: %s", pdlink.ErrInvalidAck, rx)
		case pdlink.IsReset(err):
			return 0, err
		}
	}
	return 0, pdlink.ErrNoAck
}

// SendGoodCRC acknowledges rx. Transmission errors are ignored: on a
// collision the partner retransmits anyway.
func (l *Link) SendGoodCRC(rx pdmsg.Message, pr pdmsg.PowerRole, dr pdmsg.DataRole) {
	m := pdmsg.Message{
		SOP:    rx.SOP,
		Header: pdmsg.NewHeader(pdmsg.TypeGoodCRC, pr, dr, rx.ID(), 0, rx.Revision()),
	}
	_ = l.transmit(frame.WriteMessage(l.phy, m))
}

// SendHardReset transmits the Hard Reset signal and returns its length.
func (l *Link) SendHardReset() (int, error) {
	n := frame.WriteHardReset(l.phy)
	if err := l.transmit(n); err != nil {
		return 0, err
	}
	l.cfg.log.Info("hard reset sent")
	return n, nil
}

// SendCableReset transmits the Cable Reset signal and returns its length.
func (l *Link) SendCableReset() (int, error) {
	n := frame.WriteCableReset(l.phy)
	if err := l.transmit(n); err != nil {
		return 0, err
	}
	l.cfg.log.Info("cable reset sent")
	return n, nil
}

// SendBIST transmits the BIST Carrier Mode 2 pattern for BISTDuration, or
// until ctx is done.
func (l *Link) SendBIST(ctx context.Context) error {
	pol := l.Polarity()
	l.phy.SetCircularMode()
	defer l.phy.ClearCircularMode()
	if err := l.phy.StartTx(pol, frame.WriteBISTCarrier(l.phy)); err != nil {
		return err
	}
	t := time.NewTimer(BISTDuration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	l.phy.TxDone(pol)
	return ctx.Err()
}
