package poweredup

import "context"

// Device is the capability shared by every hub-connected façade.
type Device interface {
	Name() string
	Connected() bool
	Close() error
}

// PortOwner is implemented by devices bound to one hub port.
type PortOwner interface {
	Port() byte
}

// CommandIssuer is implemented by devices that run gated port commands. Stop
// cuts power and resolves like any other command.
type CommandIssuer interface {
	Stop(ctx context.Context, opts CmdOptions) (bool, error)
}

var (
	_ Device        = (*SingleMotor)(nil)
	_ Device        = (*SynchronizedMotor)(nil)
	_ Device        = (*Hub)(nil)
	_ PortOwner     = (*SingleMotor)(nil)
	_ CommandIssuer = (*SingleMotor)(nil)
	_ CommandIssuer = (*SynchronizedMotor)(nil)
)
