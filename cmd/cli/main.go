package main

import (
	"context"
	"flag"
	"time"

	"go.viam.com/rdk/logging"

	"poweredup"
)

var (
	address = flag.String("address", "127.0.0.1:8888", "hub server address (host:port) or serial port path")
	portA   = flag.Int("port-a", 0, "hub port of the first motor")
	portB   = flag.Int("port-b", 1, "hub port of the second motor")
	paired  = flag.Bool("paired", false, "also pair both motors behind a virtual port")
)

func main() {
	flag.Parse()
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx := context.Background()
	logger := logging.NewLogger("poweredup-cli")

	hub := poweredup.NewHub("hub", logger)
	if err := hub.Connect(ctx, *address, 0); err != nil {
		return err
	}
	defer hub.Close()

	if err := hub.SetLEDColor(ctx, poweredup.ColorGreen); err != nil {
		logger.Warnf("failed to set LED: %v", err)
	}
	if alert, err := hub.RequestAlert(ctx, poweredup.AlertLowVoltage); err != nil {
		logger.Warnf("low voltage alert request failed: %v", err)
	} else if alert.Triggered() {
		logger.Warn("hub reports low voltage")
	}

	motorA, err := connectMotor(ctx, "motor-a", *portA, logger)
	if err != nil {
		return err
	}
	defer motorA.Close()
	motorB, err := connectMotor(ctx, "motor-b", *portB, logger)
	if err != nil {
		return err
	}
	defer motorB.Close()

	if err := runSingleDemo(ctx, motorA, logger); err != nil {
		return err
	}
	if *paired {
		if err := runPairedDemo(ctx, motorA, motorB, logger); err != nil {
			return err
		}
	}

	logger.Info("done")
	return nil
}

func connectMotor(ctx context.Context, name string, port int, logger logging.Logger) (*poweredup.SingleMotor, error) {
	m, err := poweredup.NewSingleMotor(poweredup.MotorConfig{
		Name:    name,
		Address: *address,
		Port:    port,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func runSingleDemo(ctx context.Context, m *poweredup.SingleMotor, logger logging.Logger) error {
	logger.Infof("running %s through its paces", m.Name())

	if _, err := m.Reset(ctx, poweredup.CmdOptions{}); err != nil {
		return err
	}

	// A smooth 720 degree turn using acceleration and deceleration ramps.
	if _, err := m.SetAccProfile(ctx, 1, 800, poweredup.CmdOptions{}); err != nil {
		return err
	}
	if _, err := m.SetDecProfile(ctx, 1, 800, poweredup.CmdOptions{}); err != nil {
		return err
	}
	finished, err := m.StartMoveDegrees(ctx, 720, 50, poweredup.CmdOptions{
		OnCompletion:  poweredup.EndStateBrake,
		ProfileNr:     1,
		UseAccProfile: true,
		UseDecProfile: true,
		TimeToStalled: 500 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	if !finished {
		logger.Warn("turn was discarded by the hub")
	}
	if m.Stalled() {
		logger.Warn("motor stalled during the turn")
	}
	logger.Infof("position now %.1f deg, travelled %.1f mm", m.Position(), m.Distance())

	// Timed run, then back to zero.
	if _, err := m.StartSpeedForTime(ctx, 2*time.Second, 40, poweredup.CmdOptions{
		OnCompletion: poweredup.EndStateHold,
	}); err != nil {
		return err
	}
	if _, err := m.GotoAbsolutePosition(ctx, 0, 60, poweredup.CmdOptions{
		OnCompletion: poweredup.EndStateBrake,
	}); err != nil {
		return err
	}
	_, err = m.Stop(ctx, poweredup.CmdOptions{})
	return err
}

func runPairedDemo(ctx context.Context, motorA, motorB *poweredup.SingleMotor, logger logging.Logger) error {
	ctxT, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pair, err := poweredup.NewSynchronizedMotor("pair", motorA, motorB, logger)
	if err != nil {
		return err
	}
	if err := pair.Connect(ctxT); err != nil {
		return err
	}
	defer pair.Close()

	port, _ := pair.VirtualPort()
	logger.Infof("virtual port 0x%02x assigned", port)

	if _, err := pair.PresetPositions(ctxT, 0, 0, poweredup.CmdOptions{}); err != nil {
		return err
	}
	if _, err := pair.StartMoveDegrees(ctxT, 360, 50, 50, poweredup.CmdOptions{
		OnCompletion: poweredup.EndStateHold,
	}); err != nil {
		return err
	}
	// Pivot in place.
	if _, err := pair.StartSpeedsForTime(ctxT, time.Second, 40, -40, poweredup.CmdOptions{
		OnCompletion: poweredup.EndStateBrake,
	}); err != nil {
		return err
	}
	_, err = pair.Stop(ctxT, poweredup.CmdOptions{})
	return err
}
