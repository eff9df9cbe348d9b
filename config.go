package poweredup

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Default mechanical parameters for a bare motor on the output shaft.
const (
	defaultGearRatio     = 1.0
	defaultWheelDiameter = 100.0 // mm
	defaultStallBias     = 5     // raw tacho counts
)

// MotorConfig describes one motor port of the hub.
type MotorConfig struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	BaudRate int    `json:"baud_rate,omitempty"`

	GearRatio          float64 `json:"gear_ratio,omitempty"`
	WheelDiameter      float64 `json:"wheel_diameter_mm,omitempty"`
	ClockwiseIsForward bool    `json:"clockwise_is_forward,omitempty"`
	StallBias          int     `json:"stall_bias,omitempty"`
	Debug              bool    `json:"debug,omitempty"` // hex-dump all frames

	// Not serialized
	Logger logging.Logger `json:"-"`
}

// Validate checks the config and fills defaults in place.
func (cfg *MotorConfig) Validate() error {
	if cfg.Address == "" {
		return errors.New("must specify address of the hub server")
	}
	if cfg.Port < 0 || cfg.Port > 255 {
		return errors.Errorf("port %d outside range [0, 255]", cfg.Port)
	}
	if cfg.GearRatio < 0 {
		return errors.Errorf("gear ratio %v must not be negative", cfg.GearRatio)
	}
	if cfg.GearRatio == 0 {
		cfg.GearRatio = defaultGearRatio
	}
	if cfg.WheelDiameter == 0 {
		cfg.WheelDiameter = defaultWheelDiameter
	}
	if cfg.StallBias == 0 {
		cfg.StallBias = defaultStallBias
	}
	if cfg.Name == "" {
		cfg.Name = "motor"
	}
	return nil
}

// direction returns the multiplier applied to command magnitudes before
// encoding.
func (cfg *MotorConfig) direction() int {
	if cfg.ClockwiseIsForward {
		return Clockwise
	}
	return Counterclockwise
}

// CmdOptions tunes the execution of one motor command. The zero value means
// execute immediately, report status updates, no delays, no stall watch.
type CmdOptions struct {
	// StartCond and CompletionCond override the default condition masks
	// (StartImmediately, CompletionUpdateStatus).
	StartCond      byte
	CompletionCond byte

	// OnCompletion is the end state applied after movement commands.
	// The zero value coasts.
	OnCompletion byte

	// ProfileNr selects a previously registered acceleration or
	// deceleration profile.
	ProfileNr     int
	UseAccProfile bool
	UseDecProfile bool

	// AbsMaxPower caps the power the regulator may apply, in percent.
	// Zero means 100.
	AbsMaxPower int

	// DelayBefore and DelayAfter pause execution around the wire send
	// while the port gate is already held.
	DelayBefore time.Duration
	DelayAfter  time.Duration

	// WaitCond, when set, postpones the wire send until the condition
	// turns true or WaitCondTimeout elapses.
	WaitCond        func() bool
	WaitCondTimeout time.Duration

	// TimeToStalled arms the stall watchdog for this command. OnStalled,
	// when set, is invoked once if the watchdog trips.
	TimeToStalled time.Duration
	OnStalled     func()
}

func (o CmdOptions) absMaxPower() int {
	if o.AbsMaxPower == 0 {
		return 100
	}
	return o.AbsMaxPower
}
