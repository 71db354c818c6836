package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink"
	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/simphy"
	"github.com/oxplot/go-pdlink/tcpc"
	"github.com/oxplot/go-pdlink/tcpcdriver/tcpci"
	"github.com/oxplot/go-pdlink/tcpe"
	"github.com/oxplot/go-pdlink/trace"
)

const simAddr = 0x50

var (
	simDuration  time.Duration
	simTrace     string
	simConsole   string
	simUntilDone bool
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Negotiate power between a simulated source and sink",
	Long: `Connect two emulated port controllers over a simulated CC line.

The source side advertises the supplies listed in the configuration. The sink
side runs the sink policy engine through the TCPCI register interface of its
port controller, exactly as it would against a hardware TCPC.

With --console, the port controller console (dump, <port> state) is served
over the given serial device.`,
	RunE: runSim,
}

func init() {
	simCmd.Flags().DurationVarP(&simDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	simCmd.Flags().StringVarP(&simTrace, "trace", "t", "", "Record messages to this CBOR file")
	simCmd.Flags().StringVar(&simConsole, "console", "", "Serial device serving the console")
	simCmd.Flags().BoolVar(&simUntilDone, "until-ready", false, "Stop once the sink has power")
	rootCmd.AddCommand(simCmd)
}

func runSim(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("duration") {
		cfg.Sim.Duration.Duration = simDuration
	}
	if flags.Changed("trace") {
		cfg.Sim.Trace = simTrace
	}
	if flags.Changed("console") {
		cfg.Sim.Console = simConsole
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if d := cfg.Sim.Duration.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var con io.ReadWriteCloser
	if cfg.Sim.Console != "" {
		port, err := serial.Open(cfg.Sim.Console, &serial.Mode{
			BaudRate: cfg.Sim.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return fmt.Errorf("failed to open serial port %s: %w", cfg.Sim.Console, err)
		}
		defer port.Close()
		con = port
	}

	var tracer tcpc.Tracer
	if cfg.Sim.Trace != "" {
		f, err := os.Create(cfg.Sim.Trace)
		if err != nil {
			return err
		}
		defer f.Close()
		tracer = trace.NewWriter(f)
	}

	return simulate(ctx, simulation{
		log:        logger,
		tracer:     tracer,
		console:    con,
		untilReady: simUntilDone,
	})
}

// simulation holds what a simulated session is wired to besides the
// configuration.
type simulation struct {
	log        *zap.Logger
	tracer     tcpc.Tracer
	console    io.ReadWriter
	untilReady bool

	// ready, if not nil, receives the negotiated request once the sink has
	// power.
	ready chan<- pdmsg.RequestDO
}

// simulate runs a source and a sink connected over a simulated line until
// ctx is done.
func simulate(ctx context.Context, s simulation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srcPHY := simphy.New(simphy.WithRxTimeout(cfg.Port.RxTimeout.Duration))
	snkPHY := simphy.New(simphy.WithRxTimeout(cfg.Port.RxTimeout.Duration))
	simphy.Connect(srcPHY, snkPHY, 0, 0)

	opts := cfg.PortOptions()
	if s.tracer != nil {
		opts = append(opts, tcpc.WithTracer(s.tracer))
	}

	src := tcpc.NewPort(0, srcPHY, append(opts,
		tcpc.WithDefaultRole(pdmsg.PowerRoleSource),
		tcpc.WithLogger(s.log.Named("source")))...)
	ctrl := tcpc.NewController([]pdlink.PHY{snkPHY}, append(opts,
		tcpc.WithLogger(s.log.Named("sink")))...)
	ctrl.Verbosity().Set(cfg.Verbosity)

	var wg sync.WaitGroup
	var srcErr, snkErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		srcErr = src.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		snkErr = ctrl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		newSource(src, cfg.SourceCapabilities(), s.log.Named("source")).run(ctx)
	}()
	if s.console != nil {
		go serveConsole(ctx, ctrl, s.console, s.log)
	}

	// The sink drives its controller over the register interface.

	d := tcpci.New(ctrl.Bus(simAddr), simAddr)
	pe := tcpe.New(d, tcpe.WithLogger(s.log.Named("pe")))
	var rdo pdmsg.RequestDO
	pe.SetCapabilityEvaluator(tcpe.CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		rdo = tcpe.LogCapabilities(s.log.Named("pe"), cfg.Sim.Policy).EvaluateCapabilities(pdos)
		return rdo
	}))
	pe.SetEventHandler(tcpe.EventHandlerFunc(func(e tcpe.Event) {
		s.log.Info("policy event", zap.String("event", string(e)))
		if e != tcpe.EventPowerReady {
			return
		}
		if s.ready != nil {
			select {
			case s.ready <- rdo:
			default:
			}
		}
		if s.untilReady {
			cancel()
		}
	}))
	pe.Run(ctx)

	cancel()
	wg.Wait()
	if err := errors.Join(srcErr, snkErr); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}

	st := ctrl.Port(0).Stats()
	s.log.Info("sink port statistics",
		zap.Int("rx", st.RxMessages),
		zap.Int("rx_errors", st.RxErrors),
		zap.Int("tx_success", st.TxSuccess),
		zap.Int("tx_failed", st.TxFailed))
	return nil
}

// serveConsole runs console commands read line by line from rw.
func serveConsole(ctx context.Context, ctrl *tcpc.Controller, rw io.ReadWriter, log *zap.Logger) {
	sc := bufio.NewScanner(rw)
	for sc.Scan() && ctx.Err() == nil {
		args := strings.Fields(sc.Text())
		if len(args) == 0 {
			continue
		}
		if err := ctrl.Console(rw, args); err != nil {
			fmt.Fprintf(rw, "error: %v\r\n", err)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Warn("console closed", zap.Error(err))
	}
}
