package tcpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/tcpcdriver"
)

// Console errors.
var (
	ErrParamCount = errors.New("tcpc: wrong number of parameters")
	ErrParam      = errors.New("tcpc: invalid parameter")
)

// ErrNoDevice is returned by the bus for an address mapping to no port.
var ErrNoDevice = errors.New("tcpc: no device at address")

// Controller holds the ports of a multi-port TCPC. The ports share the
// configuration and the debug level.
type Controller struct {
	ports     []*Port
	verbosity *pdlink.Verbosity
}

// NewController returns a controller with one port per PHY.
func NewController(phys []pdlink.PHY, opts ...Option) *Controller {
	c := &Controller{verbosity: new(pdlink.Verbosity)}
	opts = append([]Option{WithVerbosity(c.verbosity)}, opts...)
	for i, phy := range phys {
		c.ports = append(c.ports, NewPort(i, phy, opts...))
	}
	return c
}

// Port returns port i, or nil if there is no such port.
func (c *Controller) Port(i int) *Port {
	if i < 0 || i >= len(c.ports) {
		return nil
	}
	return c.ports[i]
}

// Len returns the number of ports.
func (c *Controller) Len() int {
	return len(c.ports)
}

// Verbosity returns the debug level shared by the ports.
func (c *Controller) Verbosity() *pdlink.Verbosity {
	return c.verbosity
}

// Run runs the task of every port until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.ports))
	for i, p := range c.ports {
		wg.Add(1)
		go func(i int, p *Port) {
			defer wg.Done()
			errs[i] = p.Run(ctx)
		}(i, p)
	}
	wg.Wait()
	err := errors.Join(errs...)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Bus returns an I2C bus on which port i answers at address base+i.
func (c *Controller) Bus(base uint16) tcpcdriver.I2C {
	return &bus{c: c, base: base}
}

type bus struct {
	c    *Controller
	base uint16
}

// Tx implements tcpcdriver.I2C. A transfer with a read part reads the
// register addressed by the first written byte.
func (b *bus) Tx(addr uint16, w, r []byte) error {
	p := b.c.Port(int(addr) - int(b.base))
	if p == nil || addr < b.base {
		return fmt.Errorf("%w: 0x%02x", ErrNoDevice, addr)
	}
	if len(r) == 0 {
		p.Process(false, w)
		return nil
	}
	if len(w) == 0 {
		return fmt.Errorf("%w: read without register", ErrParam)
	}
	buf := make([]byte, RxBufferBytes)
	buf[0] = w[0]
	n := p.Process(true, buf)
	clear(r)
	copy(r, buf[:n])
	return nil
}

// Console runs the tcpc console command:
//
//	dump [level]     show or set the debug level
//	<port> state     show the port registers
func (c *Controller) Console(w io.Writer, args []string) error {
	if len(args) < 1 {
		return ErrParamCount
	}
	if strings.EqualFold(args[0], "dump") {
		if len(args) < 2 {
			_, err := fmt.Fprintf(w, "lvl: %d\n", c.verbosity.Level())
			return err
		}
		lvl, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%w: %q", ErrParam, args[1])
		}
		c.verbosity.Set(lvl)
		return nil
	}

	i, err := strconv.Atoi(args[0])
	if len(args) < 2 {
		return ErrParamCount
	}
	if err != nil || c.Port(i) == nil {
		return fmt.Errorf("%w: port %q", ErrParam, args[0])
	}
	if strings.HasPrefix(strings.ToLower(args[1]), "state") {
		_, err := io.WriteString(w, c.Port(i).State().String())
		return err
	}
	return fmt.Errorf("%w: %q", ErrParam, args[1])
}
