package poweredup

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var ModelDiscovery = resource.NewModel("devrel", "motor", "powered-up-discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		ModelDiscovery,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newHubDiscovery,
		})
}

// probePorts are the hub ports checked for attached motors during discovery.
var probePorts = []byte{0x00, 0x01}

const probeTimeout = 500 * time.Millisecond

// DiscoveryConfig is the configuration for the discovery service.
type DiscoveryConfig struct {
	// BaudRate overrides the serial speed used while probing.
	BaudRate int `json:"baud_rate,omitempty"`
}

// Validate ensures the config is valid.
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.BaudRate < 0 {
		return nil, nil, errors.Errorf("baud_rate %d must be non-negative", cfg.BaudRate)
	}
	return nil, nil, nil
}

// hubDiscovery implements the discovery service by probing candidate serial
// ports for a hub proxy server and reporting which motor ports answered.
type hubDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger   logging.Logger
	baudRate int
}

func newHubDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &hubDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		baudRate: cfg.BaudRate,
	}, nil
}

// DiscoverResources scans serial ports for motorized hubs and returns motor
// component configurations for every port with an attached device.
func (dis *hubDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting hub discovery")

	allPorts := enumerateSerialPorts()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverPort(portPath)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No motorized hubs discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}

	return allConfigs, nil
}

// discoverPort probes a single serial port and generates component
// configurations for whatever answered there.
func (dis *hubDiscovery) discoverPort(portPath string) []resource.Config {
	dis.logger.Debugf("Checking port %s", portPath)

	attached := dis.probeHub(portPath)
	if len(attached) == 0 {
		dis.logger.Debugf("No hub detected on %s", portPath)
		return nil
	}

	dis.logger.Infof("Discovered hub on %s with %d motor port(s)", portPath, len(attached))
	return generateConfigs(portPath, extractPortSuffix(portPath), attached)
}

// probeHub registers with the proxy server on the given serial port and
// returns the hub ports that reported an attached device. An empty slice
// means no hub answered within the probe window.
func (dis *hubDiscovery) probeHub(portPath string) []byte {
	conn, err := Dial(portPath, dis.baudRate)
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return nil
	}
	defer conn.Close()

	if err := conn.WriteMessage(ExtServerConnectRequest(PortHub)); err != nil {
		return nil
	}
	for _, p := range probePorts {
		if err := conn.WriteMessage(ExtServerConnectRequest(p)); err != nil {
			return nil
		}
	}

	type probeResult struct {
		hubSeen  bool
		attached []byte
	}
	done := make(chan probeResult, 1)
	go func() {
		var res probeResult
		seen := map[byte]bool{}
		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				done <- res
				return
			}
			msg, err := DecodeUpstream(raw)
			if err != nil {
				continue
			}
			switch t := msg.(type) {
			case ExtServerNotification:
				if t.Port == PortHub && t.Event == EventServerConnected {
					res.hubSeen = true
				}
			case HubAttachedIO:
				if t.Event == EventIOAttached && !seen[t.Port] {
					seen[t.Port] = true
					res.attached = append(res.attached, t.Port)
				}
			}
			if res.hubSeen && len(res.attached) == len(probePorts) {
				done <- res
				return
			}
		}
	}()

	// Closing the connection unblocks the reader when the window expires.
	var res probeResult
	select {
	case res = <-done:
	case <-time.After(probeTimeout):
		conn.Close()
		res = <-done
	}

	if !res.hubSeen {
		return nil
	}
	for _, p := range res.attached {
		_ = conn.WriteMessage(ExtServerDisconnectRequest(p))
	}
	return res.attached
}

// generateConfigs creates one motor component configuration per attached
// port, plus a paired config when both probe ports answered.
func generateConfigs(portPath, portSuffix string, attached []byte) []resource.Config {
	var configs []resource.Config
	for _, p := range attached {
		configs = append(configs, resource.Config{
			Name:  "powered-up-" + portSuffix + "-" + string('a'+rune(p)),
			API:   motor.API,
			Model: ModelMotor,
			Attributes: map[string]interface{}{
				"address": portPath,
				"port":    int(p),
			},
		})
	}
	if len(attached) >= 2 {
		configs = append(configs, resource.Config{
			Name:  "powered-up-" + portSuffix + "-pair",
			API:   motor.API,
			Model: ModelMotorPair,
			Attributes: map[string]interface{}{
				"address": portPath,
				"port_a":  int(attached[0]),
				"port_b":  int(attached[1]),
			},
		})
	}
	return configs
}

// filterCandidatePorts filters serial ports by platform-specific naming
// patterns.
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port matches USB serial adapter patterns.
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from a port path for naming.
// /dev/ttyUSB0 -> "ttyUSB0", /dev/tty.usbmodem123 -> "usbmodem123".
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}

	return base
}

// enumerateSerialPorts returns a list of all serial ports on the system.
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
