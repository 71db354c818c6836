package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/oxplot/go-pdlink/pdmsg"
	"github.com/oxplot/go-pdlink/tcpcdriver/tcpci"
	"github.com/oxplot/go-pdlink/tcpe"
)

var (
	sinkBus    string
	sinkAddr   uint16
	sinkMinMV  uint16
	sinkMaxMV  uint16
	sinkMinMA  uint16
	sinkListen bool
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Negotiate power through a TCPCI port controller",
	Long: `Run the sink policy engine against a TCPCI port controller on an I2C bus.

The capabilities advertised by the source are logged. A fixed supply within
the configured voltage range and offering at least the configured current is
requested. With --listen, only the capabilities are logged and the sink stays
on the default 5V supply.`,
	RunE: runSink,
}

func init() {
	sinkCmd.Flags().StringVar(&sinkBus, "bus", "", "I2C bus name or number")
	sinkCmd.Flags().Uint16Var(&sinkAddr, "addr", 0, "I2C address of the port controller")
	sinkCmd.Flags().Uint16Var(&sinkMinMV, "min-voltage", 0, "Minimum acceptable voltage in mV")
	sinkCmd.Flags().Uint16Var(&sinkMaxMV, "max-voltage", 0, "Maximum acceptable voltage in mV")
	sinkCmd.Flags().Uint16Var(&sinkMinMA, "current", 0, "Minimum acceptable current in mA")
	sinkCmd.Flags().BoolVar(&sinkListen, "listen", false, "Log the source capabilities without requesting")
	rootCmd.AddCommand(sinkCmd)
}

func runSink(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("bus") {
		cfg.Sink.Bus = sinkBus
	}
	if flags.Changed("addr") {
		cfg.Sink.Address = sinkAddr
	}
	if flags.Changed("min-voltage") {
		cfg.Sink.Policy.MinVoltage = sinkMinMV
	}
	if flags.Changed("max-voltage") {
		cfg.Sink.Policy.MaxVoltage = sinkMaxMV
	}
	if flags.Changed("current") {
		cfg.Sink.Policy.Current = sinkMinMA
	}
	if err := cfg.Sink.Policy.Validate(); err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	b, err := i2creg.Open(cfg.Sink.Bus)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.SetSpeed(physic.Frequency(cfg.Sink.Speed) * physic.Hertz); err != nil {
		logger.Warn("cannot set bus speed", zap.Error(err))
	}

	pc := tcpci.New(b, cfg.Sink.Address)
	vid, err := pc.VendorID()
	if err != nil {
		return fmt.Errorf("no port controller on %s at 0x%02x: %w", b.String(), cfg.Sink.Address, err)
	}
	logger.Info("port controller found", zap.String("bus", b.String()), zap.Uint16("vendor", vid))

	var eval tcpe.CapabilityEvaluator = cfg.Sink.Policy
	if sinkListen {
		eval = tcpe.CapabilityEvaluatorFunc(func([]pdmsg.PDO) pdmsg.RequestDO {
			return pdmsg.EmptyRequestDO
		})
	}

	pe := tcpe.New(pc, tcpe.WithLogger(logger.Named("pe")))
	pe.SetCapabilityEvaluator(tcpe.LogCapabilities(logger.Named("pe"), eval))
	pe.SetEventHandler(tcpe.EventHandlerFunc(func(e tcpe.Event) {
		logger.Info("policy event", zap.String("event", string(e)))
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	pe.Run(ctx)
	return nil
}
