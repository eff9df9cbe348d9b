package poweredup

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// LED color presets.
const (
	ColorOff    byte = 0x00
	ColorPink   byte = 0x01
	ColorPurple byte = 0x02
	ColorBlue   byte = 0x03
	ColorCyan   byte = 0x05
	ColorGreen  byte = 0x06
	ColorYellow byte = 0x07
	ColorOrange byte = 0x08
	ColorRed    byte = 0x09
	ColorWhite  byte = 0x0A
)

// Hub is the façade for hub-level operations: shutdown, alerts and the
// status LED. It registers the reserved hub port with the server like any
// other device.
type Hub struct {
	name   string
	logger logging.Logger

	conn *Conn

	serverConnected *signal
	alertAnswered   *signal

	closeCtx     context.Context
	closeFn      context.CancelFunc
	listenerDone chan struct{}

	mu           sync.Mutex
	lastAlert    *HubAlertNotification
	lastAction   byte
	alertSubs    map[byte]bool
	onAlert      func(HubAlertNotification)
	shuttingDown bool
}

// NewHub builds an unconnected hub façade.
func NewHub(name string, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewLogger(name)
	}
	return &Hub{
		name:            name,
		logger:          logger,
		serverConnected: newSignal(),
		alertAnswered:   newSignal(),
		alertSubs:       map[byte]bool{},
	}
}

// Name returns the hub's name.
func (h *Hub) Name() string { return h.name }

// OnAlert installs a callback invoked for every alert update pushed by the
// hub. Must be set before Connect.
func (h *Hub) OnAlert(fn func(HubAlertNotification)) { h.onAlert = fn }

// Connect dials the hub server and registers the reserved hub port.
func (h *Hub) Connect(ctx context.Context, address string, baudRate int) error {
	conn, err := Dial(address, baudRate)
	if err != nil {
		return err
	}
	return h.connect(ctx, conn)
}

// ConnectStream runs the same handshake over an established byte stream.
func (h *Hub) ConnectStream(ctx context.Context, stream io.ReadWriteCloser) error {
	return h.connect(ctx, NewConn(stream))
}

func (h *Hub) connect(ctx context.Context, conn *Conn) error {
	h.conn = conn
	h.closeCtx, h.closeFn = context.WithCancel(context.Background())
	h.listenerDone = make(chan struct{})
	goutils.PanicCapturingGo(h.listen)

	var connectErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := conn.WriteMessage(ExtServerConnectRequest(PortHub)); err != nil {
			connectErr = err
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		connectErr = h.serverConnected.Wait(waitCtx)
		cancel()
		if connectErr == nil {
			break
		}
	}
	if connectErr != nil {
		h.close()
		return errors.Wrap(connectErr, "hub: failed to register with hub server")
	}
	h.logger.Infof("hub %s connected", h.name)
	return nil
}

// Close tears down the connection.
func (h *Hub) Close() error {
	h.close()
	return nil
}

func (h *Hub) close() {
	if h.closeFn != nil {
		h.closeFn()
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.logger.Debugf("close: %v", err)
		}
	}
	if h.listenerDone != nil {
		<-h.listenerDone
	}
}

// Connected reports whether the server registration is live.
func (h *Hub) Connected() bool { return h.serverConnected.IsSet() }

func (h *Hub) listen() {
	defer close(h.listenerDone)
	for {
		buf, err := h.conn.ReadMessage()
		if err != nil {
			h.logger.Debugf("hub: listener stopped: %v", err)
			h.serverConnected.Clear()
			h.closeFn()
			return
		}
		msg, err := DecodeUpstream(buf)
		if err != nil {
			h.logger.Warnf("hub: dropping message: %v", err)
			continue
		}
		h.dispatch(msg)
	}
}

func (h *Hub) dispatch(msg Message) {
	switch t := msg.(type) {
	case ExtServerNotification:
		if t.Port != PortHub {
			return
		}
		switch t.Event {
		case EventServerConnected:
			h.serverConnected.Set()
		case EventServerDisconnected:
			h.serverConnected.Clear()
		}
	case HubAlertNotification:
		h.mu.Lock()
		alert := t
		h.lastAlert = &alert
		onAlert := h.onAlert
		h.mu.Unlock()
		if t.Triggered() {
			h.logger.Warnf("hub alert 0x%02x triggered", t.Alert)
		}
		h.alertAnswered.Set()
		if onAlert != nil {
			goutils.PanicCapturingGo(func() { onAlert(alert) })
		}
	case HubActionNotification:
		h.mu.Lock()
		h.lastAction = t.Action
		if t.Action == HubActionWillSwitchOff || t.Action == HubActionWillDisconnect {
			h.shuttingDown = true
		}
		h.mu.Unlock()
		h.logger.Infof("hub action 0x%02x", t.Action)
	case GenericErrorNotification:
		h.logger.Errorf("hub: %v", t)
	}
}

// SwitchOff asks the hub to power down.
func (h *Hub) SwitchOff(ctx context.Context) error {
	return h.send(ctx, HubActionCommand(HubActionSwitchOff))
}

// Disconnect asks the hub to drop the radio link.
func (h *Hub) Disconnect(ctx context.Context) error {
	return h.send(ctx, HubActionCommand(HubActionDisconnect))
}

// RequestAlert asks for the current status of one alert and waits for the
// answer.
func (h *Hub) RequestAlert(ctx context.Context, alert byte) (*HubAlertNotification, error) {
	h.alertAnswered.Clear()
	if err := h.send(ctx, HubAlertUpdateRequest(alert)); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.alertAnswered.Wait(waitCtx); err != nil {
		return nil, errors.Wrapf(err, "no answer for alert 0x%02x", alert)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAlert, nil
}

// SubscribeAlert enables or disables push updates for one alert.
func (h *Hub) SubscribeAlert(ctx context.Context, alert byte, enable bool) error {
	if err := h.send(ctx, HubAlertSubscribeRequest(alert, enable)); err != nil {
		return err
	}
	h.mu.Lock()
	h.alertSubs[alert] = enable
	h.mu.Unlock()
	return nil
}

// SetLEDColor sets the status LED to a preset color.
func (h *Hub) SetLEDColor(ctx context.Context, color byte) error {
	return h.send(ctx, WriteDirectLEDColor(PortLED, color))
}

// SetLEDRGB sets the status LED to an RGB value.
func (h *Hub) SetLEDRGB(ctx context.Context, r, g, b byte) error {
	return h.send(ctx, WriteDirectLEDRGB(PortLED, r, g, b))
}

// ShuttingDown reports whether the hub announced an imminent shutdown.
func (h *Hub) ShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shuttingDown
}

func (h *Hub) send(ctx context.Context, buf []byte) error {
	if h.conn == nil {
		return errors.New("hub: not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.conn.WriteMessage(buf)
}
