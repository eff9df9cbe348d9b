package poweredup

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var (
	ModelMotor     = resource.NewModel("devrel", "motor", "powered-up")
	ModelMotorPair = resource.NewModel("devrel", "motor", "powered-up-pair")
)

// defaultMaxRPM matches a medium technic motor under no load.
const defaultMaxRPM = 135.0

func init() {
	resource.RegisterComponent(motor.API, ModelMotor,
		resource.Registration[motor.Motor, *Config]{
			Constructor: newPoweredUpMotor,
		},
	)
	resource.RegisterComponent(motor.API, ModelMotorPair,
		resource.Registration[motor.Motor, *PairConfig]{
			Constructor: newPoweredUpMotorPair,
		},
	)
}

// sharedMotors lets a pair component reuse connections a single-motor
// component already holds for the same ports.
var sharedMotors = NewMotorRegistry()

// Config is the resource config of a single powered-up motor.
type Config struct {
	Address            string  `json:"address"`
	Port               int     `json:"port"`
	BaudRate           int     `json:"baud_rate,omitempty"`
	GearRatio          float64 `json:"gear_ratio,omitempty"`
	WheelDiameterMM    float64 `json:"wheel_diameter_mm,omitempty"`
	ClockwiseIsForward bool    `json:"clockwise_is_forward,omitempty"`
	MaxRPM             float64 `json:"max_rpm,omitempty"`
	TimeToStalledMsecs int     `json:"time_to_stalled_msecs,omitempty"`
	StallBias          int     `json:"stall_bias,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Address == "" {
		return nil, nil, errors.New("must specify address of the hub server")
	}
	if cfg.Port < 0 || cfg.Port > 255 {
		return nil, nil, errors.Errorf("port %d outside range [0, 255]", cfg.Port)
	}
	if cfg.MaxRPM == 0 {
		cfg.MaxRPM = defaultMaxRPM
	}
	return nil, nil, nil
}

func (cfg *Config) motorConfig(name string, logger logging.Logger) MotorConfig {
	return MotorConfig{
		Name:               name,
		Address:            cfg.Address,
		Port:               cfg.Port,
		BaudRate:           cfg.BaudRate,
		GearRatio:          cfg.GearRatio,
		WheelDiameter:      cfg.WheelDiameterMM,
		ClockwiseIsForward: cfg.ClockwiseIsForward,
		StallBias:          cfg.StallBias,
		Logger:             logger,
	}
}

// PairConfig is the resource config of two motors behind a virtual port.
type PairConfig struct {
	Address            string  `json:"address"`
	PortA              int     `json:"port_a"`
	PortB              int     `json:"port_b"`
	BaudRate           int     `json:"baud_rate,omitempty"`
	GearRatio          float64 `json:"gear_ratio,omitempty"`
	WheelDiameterMM    float64 `json:"wheel_diameter_mm,omitempty"`
	ClockwiseIsForward bool    `json:"clockwise_is_forward,omitempty"`
	MaxRPM             float64 `json:"max_rpm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *PairConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Address == "" {
		return nil, nil, errors.New("must specify address of the hub server")
	}
	if cfg.PortA == cfg.PortB {
		return nil, nil, errors.Errorf("port_a and port_b are both %d", cfg.PortA)
	}
	for _, p := range []int{cfg.PortA, cfg.PortB} {
		if p < 0 || p > 255 {
			return nil, nil, errors.Errorf("port %d outside range [0, 255]", p)
		}
	}
	if cfg.MaxRPM == 0 {
		cfg.MaxRPM = defaultMaxRPM
	}
	return nil, nil, nil
}

// poweredUpMotor adapts a SingleMotor to the motor component API.
type poweredUpMotor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	motor *SingleMotor
	opts  CmdOptions

	mu           sync.Mutex
	lastPowerPct float64
	moving       bool
}

func newPoweredUpMotor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	m, err := sharedMotors.GetMotor(ctx, conf.motorConfig(rawConf.ResourceName().ShortName(), logger))
	if err != nil {
		return nil, err
	}
	opts := CmdOptions{OnCompletion: EndStateBrake}
	if conf.TimeToStalledMsecs > 0 {
		opts.TimeToStalled = time.Duration(conf.TimeToStalledMsecs) * time.Millisecond
	}
	return &poweredUpMotor{
		name:   rawConf.ResourceName(),
		logger: logger,
		cfg:    conf,
		motor:  m,
		opts:   opts,
	}, nil
}

func (p *poweredUpMotor) Name() resource.Name { return p.name }

func (p *poweredUpMotor) speedPct(rpm float64) int {
	pct := rpm / p.cfg.MaxRPM * 100
	if pct > 100 {
		pct = 100
	}
	if pct < -100 {
		pct = -100
	}
	return int(math.Round(pct))
}

func (p *poweredUpMotor) setMoving(moving bool, powerPct float64) {
	p.mu.Lock()
	p.moving = moving
	p.lastPowerPct = powerPct
	p.mu.Unlock()
}

// SetPower turns the motor unregulated at a fraction of full power.
func (p *poweredUpMotor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	power := int(math.Round(powerPct * 100))
	if _, err := p.motor.StartPower(ctx, power, p.opts); err != nil {
		return err
	}
	p.setMoving(power != 0, powerPct)
	return nil
}

// SetRPM turns the motor at a regulated speed until stopped.
func (p *poweredUpMotor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	speed := p.speedPct(rpm)
	if _, err := p.motor.StartSpeed(ctx, speed, p.opts); err != nil {
		return err
	}
	p.setMoving(speed != 0, float64(speed)/100)
	return nil
}

// GoFor turns the motor by revolutions at the given rpm and blocks until the
// hub reports the move finished.
func (p *poweredUpMotor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if revolutions == 0 {
		return p.SetRPM(ctx, rpm, extra)
	}
	degrees := revolutions * 360
	if rpm < 0 {
		degrees = -degrees
	}
	speed := p.speedPct(rpm)
	if speed < 0 {
		speed = -speed
	}
	p.setMoving(true, float64(speed)/100)
	defer p.setMoving(false, 0)
	finished, err := p.motor.StartMoveDegrees(ctx, degrees, speed, p.opts)
	if err != nil {
		return err
	}
	if !finished {
		return errors.New("move was discarded by the hub")
	}
	return nil
}

// GoTo turns the motor to an absolute position in revolutions.
func (p *poweredUpMotor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	speed := p.speedPct(rpm)
	if speed < 0 {
		speed = -speed
	}
	p.setMoving(true, float64(speed)/100)
	defer p.setMoving(false, 0)
	finished, err := p.motor.GotoAbsolutePosition(ctx, positionRevolutions*360, speed, p.opts)
	if err != nil {
		return err
	}
	if !finished {
		return errors.New("move was discarded by the hub")
	}
	return nil
}

// ResetZeroPosition presets the tacho counter so that the current position
// reads as the given offset in revolutions.
func (p *poweredUpMotor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	raw := int32(math.Round(-offset * 360 * p.motor.GearRatio()))
	_, err := p.motor.execute(ctx, WriteDirectPresetPosition(p.motor.Port(), raw), p.opts)
	return err
}

// Position reports the output shaft position in revolutions.
func (p *poweredUpMotor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return p.motor.Position() / 360, nil
}

// Properties reports that this motor has an encoder.
func (p *poweredUpMotor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{PositionReporting: true}, nil
}

// IsPowered reports whether the motor is running and at what power fraction.
func (p *poweredUpMotor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moving, p.lastPowerPct, nil
}

func (p *poweredUpMotor) IsMoving(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moving, nil
}

// Stop cuts power and coasts.
func (p *poweredUpMotor) Stop(ctx context.Context, extra map[string]interface{}) error {
	_, err := p.motor.Stop(ctx, CmdOptions{})
	p.setMoving(false, 0)
	return err
}

func (p *poweredUpMotor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "stalled":
		return map[string]interface{}{"stalled": p.motor.Stalled()}, nil
	case "raw_value":
		return map[string]interface{}{"raw_value": p.motor.RawValue()}, nil
	case "distance_mm":
		return map[string]interface{}{"distance_mm": p.motor.Distance()}, nil
	case "set_acc_profile":
		profileNr, ms, err := profileArgs(cmd)
		if err != nil {
			return nil, err
		}
		ok, err := p.motor.SetAccProfile(ctx, profileNr, ms, CmdOptions{})
		return map[string]interface{}{"success": ok}, err
	case "set_dec_profile":
		profileNr, ms, err := profileArgs(cmd)
		if err != nil {
			return nil, err
		}
		ok, err := p.motor.SetDecProfile(ctx, profileNr, ms, CmdOptions{})
		return map[string]interface{}{"success": ok}, err
	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

func profileArgs(cmd map[string]interface{}) (int, int, error) {
	nr, ok := cmd["profile_nr"].(float64)
	if !ok {
		return 0, 0, errors.New("profile commands require a 'profile_nr' number")
	}
	ms, ok := cmd["ms"].(float64)
	if !ok {
		return 0, 0, errors.New("profile commands require a 'ms' number")
	}
	return int(nr), int(ms), nil
}

func (p *poweredUpMotor) Close(ctx context.Context) error {
	p.logger.Infof("closing motor %s", p.name.ShortName())
	sharedMotors.Release(p.cfg.Address, p.cfg.Port)
	return nil
}

// poweredUpMotorPair adapts a SynchronizedMotor to the motor component API.
// Both motors receive the same commands; the hub keeps them in lockstep.
type poweredUpMotorPair struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *PairConfig

	pair *SynchronizedMotor
	opts CmdOptions

	mu           sync.Mutex
	lastPowerPct float64
	moving       bool
}

func newPoweredUpMotorPair(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*PairConfig](rawConf)
	if err != nil {
		return nil, err
	}
	name := rawConf.ResourceName().ShortName()

	base := Config{
		Address:            conf.Address,
		BaudRate:           conf.BaudRate,
		GearRatio:          conf.GearRatio,
		WheelDiameterMM:    conf.WheelDiameterMM,
		ClockwiseIsForward: conf.ClockwiseIsForward,
	}
	cfgA, cfgB := base, base
	cfgA.Port, cfgB.Port = conf.PortA, conf.PortB

	motorA, err := sharedMotors.GetMotor(ctx, cfgA.motorConfig(name+"-a", logger))
	if err != nil {
		return nil, err
	}
	motorB, err := sharedMotors.GetMotor(ctx, cfgB.motorConfig(name+"-b", logger))
	if err != nil {
		sharedMotors.Release(conf.Address, conf.PortA)
		return nil, err
	}

	pair, err := NewSynchronizedMotor(name, motorA, motorB, logger)
	if err == nil {
		err = pair.Connect(ctx)
	}
	if err != nil {
		sharedMotors.Release(conf.Address, conf.PortA)
		sharedMotors.Release(conf.Address, conf.PortB)
		return nil, err
	}

	return &poweredUpMotorPair{
		name:   rawConf.ResourceName(),
		logger: logger,
		cfg:    conf,
		pair:   pair,
		opts:   CmdOptions{OnCompletion: EndStateBrake},
	}, nil
}

func (p *poweredUpMotorPair) Name() resource.Name { return p.name }

func (p *poweredUpMotorPair) speedPct(rpm float64) int {
	pct := rpm / p.cfg.MaxRPM * 100
	if pct > 100 {
		pct = 100
	}
	if pct < -100 {
		pct = -100
	}
	return int(math.Round(pct))
}

func (p *poweredUpMotorPair) setMoving(moving bool, powerPct float64) {
	p.mu.Lock()
	p.moving = moving
	p.lastPowerPct = powerPct
	p.mu.Unlock()
}

func (p *poweredUpMotorPair) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	power := int(math.Round(powerPct * 100))
	if _, err := p.pair.StartPowers(ctx, power, power, p.opts); err != nil {
		return err
	}
	p.setMoving(power != 0, powerPct)
	return nil
}

func (p *poweredUpMotorPair) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	speed := p.speedPct(rpm)
	if _, err := p.pair.StartSpeeds(ctx, speed, speed, p.opts); err != nil {
		return err
	}
	p.setMoving(speed != 0, float64(speed)/100)
	return nil
}

func (p *poweredUpMotorPair) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if revolutions == 0 {
		return p.SetRPM(ctx, rpm, extra)
	}
	degrees := revolutions * 360
	if rpm < 0 {
		degrees = -degrees
	}
	speed := p.speedPct(rpm)
	if speed < 0 {
		speed = -speed
	}
	p.setMoving(true, float64(speed)/100)
	defer p.setMoving(false, 0)
	finished, err := p.pair.StartMoveDegrees(ctx, degrees, speed, speed, p.opts)
	if err != nil {
		return err
	}
	if !finished {
		return errors.New("move was discarded by the hub")
	}
	return nil
}

func (p *poweredUpMotorPair) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	speed := p.speedPct(rpm)
	if speed < 0 {
		speed = -speed
	}
	degrees := positionRevolutions * 360
	p.setMoving(true, float64(speed)/100)
	defer p.setMoving(false, 0)
	finished, err := p.pair.GotoAbsolutePositions(ctx, degrees, degrees, speed, p.opts)
	if err != nil {
		return err
	}
	if !finished {
		return errors.New("move was discarded by the hub")
	}
	return nil
}

func (p *poweredUpMotorPair) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	rawA := int32(math.Round(-offset * 360 * p.pair.motorA.GearRatio()))
	rawB := int32(math.Round(-offset * 360 * p.pair.motorB.GearRatio()))
	_, err := p.pair.PresetPositions(ctx, rawA, rawB, p.opts)
	return err
}

// Position reports the averaged position of both motors in revolutions.
func (p *poweredUpMotorPair) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	avg := (p.pair.motorA.Position() + p.pair.motorB.Position()) / 2
	return avg / 360, nil
}

func (p *poweredUpMotorPair) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{PositionReporting: true}, nil
}

func (p *poweredUpMotorPair) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moving, p.lastPowerPct, nil
}

func (p *poweredUpMotorPair) IsMoving(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moving, nil
}

func (p *poweredUpMotorPair) Stop(ctx context.Context, extra map[string]interface{}) error {
	_, err := p.pair.Stop(ctx, CmdOptions{})
	p.setMoving(false, 0)
	return err
}

func (p *poweredUpMotorPair) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "virtual_port":
		port, assigned := p.pair.VirtualPort()
		return map[string]interface{}{"port": int(port), "assigned": assigned}, nil
	case "raw_value":
		return map[string]interface{}{"raw_value": p.pair.RawValue()}, nil
	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

func (p *poweredUpMotorPair) Close(ctx context.Context) error {
	p.logger.Infof("closing motor pair %s", p.name.ShortName())
	if err := p.pair.Close(); err != nil {
		p.logger.Warnf("error closing pair: %v", err)
	}
	sharedMotors.Release(p.cfg.Address, p.cfg.PortA)
	sharedMotors.Release(p.cfg.Address, p.cfg.PortB)
	return nil
}
