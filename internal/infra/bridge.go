package infra

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

// bridgeDialTimeout bounds one command round-trip to the platform
// bridge; a stuck bridge must not stall the decision loop.
const bridgeDialTimeout = 2 * time.Second

// bridgeCommand is one line-delimited JSON command sent to the platform
// bridge over its local socket.
type bridgeCommand struct {
	Op      string `json:"op"`
	Package string `json:"package,omitempty"`
	Value   bool   `json:"value,omitempty"`
	Reason  string `json:"reason,omitempty"`
	URL     string `json:"url,omitempty"`
	Label   string `json:"label,omitempty"`
	Minutes int    `json:"minutes,omitempty"`
}

// bridgeReply is the single-line acknowledgement for a command.
type bridgeReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BridgeClient performs one-shot command exchanges with the platform
// bridge socket. Each call dials, writes one JSON line, and reads one
// reply line, so a crashed bridge never wedges a held connection.
type BridgeClient struct {
	socketPath string
	dial       func(path string, timeout time.Duration) (net.Conn, error)
	logger     *zap.Logger
}

// NewBridgeClient creates a client for the bridge command socket.
func NewBridgeClient(socketPath string, logger *zap.Logger) *BridgeClient {
	return &BridgeClient{
		socketPath: socketPath,
		dial: func(path string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("unix", path, timeout)
		},
		logger: logger,
	}
}

// NewBridgeClientWithDialer creates a client with an injectable dialer
// (for testing).
func NewBridgeClientWithDialer(socketPath string, dial func(string, time.Duration) (net.Conn, error), logger *zap.Logger) *BridgeClient {
	return &BridgeClient{socketPath: socketPath, dial: dial, logger: logger}
}

// Send performs one command round-trip.
func (c *BridgeClient) Send(cmd bridgeCommand) (bridgeReply, error) {
	conn, err := c.dial(c.socketPath, bridgeDialTimeout)
	if err != nil {
		return bridgeReply{}, fmt.Errorf("failed to dial bridge: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(bridgeDialTimeout))

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return bridgeReply{}, fmt.Errorf("failed to send bridge command: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return bridgeReply{}, fmt.Errorf("failed to read bridge reply: %w", err)
	}

	var reply bridgeReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return bridgeReply{}, fmt.Errorf("malformed bridge reply: %w", err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("bridge rejected %s: %s", cmd.Op, reply.Error)
	}
	return reply, nil
}

// SocketDeviceBridge implements domain.DeviceBridge over the bridge
// command socket.
type SocketDeviceBridge struct {
	client *BridgeClient
	logger *zap.Logger
}

// NewSocketDeviceBridge creates a DeviceBridge backed by the platform
// bridge socket.
func NewSocketDeviceBridge(client *BridgeClient, logger *zap.Logger) *SocketDeviceBridge {
	return &SocketDeviceBridge{client: client, logger: logger}
}

// SetAppHidden hides or unhides an app from the launcher.
func (b *SocketDeviceBridge) SetAppHidden(pkg string, hidden bool) error {
	_, err := b.client.Send(bridgeCommand{Op: "set_app_hidden", Package: pkg, Value: hidden})
	return err
}

// SetUninstallBlocked toggles the uninstall block for a package.
func (b *SocketDeviceBridge) SetUninstallBlocked(pkg string, blocked bool) error {
	_, err := b.client.Send(bridgeCommand{Op: "set_uninstall_blocked", Package: pkg, Value: blocked})
	return err
}

// LockNow force-locks the device.
func (b *SocketDeviceBridge) LockNow() error {
	_, err := b.client.Send(bridgeCommand{Op: "lock_now"})
	return err
}

// InstalledApps enumerates the installed package inventory.
func (b *SocketDeviceBridge) InstalledApps() ([]domain.InstalledApp, error) {
	reply, err := b.client.Send(bridgeCommand{Op: "installed_apps"})
	if err != nil {
		return nil, err
	}
	var apps []domain.InstalledApp
	if err := json.Unmarshal(reply.Data, &apps); err != nil {
		return nil, fmt.Errorf("malformed installed-apps payload: %w", err)
	}
	return apps, nil
}

// AppLabel resolves a package identifier to its display name, falling
// back to the identifier itself.
func (b *SocketDeviceBridge) AppLabel(pkg string) string {
	reply, err := b.client.Send(bridgeCommand{Op: "app_label", Package: pkg})
	if err != nil {
		return pkg
	}
	var label string
	if err := json.Unmarshal(reply.Data, &label); err != nil || label == "" {
		return pkg
	}
	return label
}

// Ensure SocketDeviceBridge implements domain.DeviceBridge.
var _ domain.DeviceBridge = (*SocketDeviceBridge)(nil)
