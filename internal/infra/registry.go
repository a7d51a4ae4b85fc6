package infra

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

const registryDir = "/var/tmp"

// FileRegistry implements domain.MonitorRegistry using a hidden JSON file.
// The file location is derived from a hash of the hostname so a child
// browsing /var/tmp does not spot an obvious name.
type FileRegistry struct {
	path string
}

// NewFileRegistry creates a file-based monitor registry.
func NewFileRegistry() domain.MonitorRegistry {
	hostname, _ := os.Hostname()
	hash := md5.Sum([]byte("guardian-registry-" + hostname))
	filename := ".sys_state_" + hex.EncodeToString(hash[:])[:8]

	return &FileRegistry{
		path: filepath.Join(registryDir, filename),
	}
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string) domain.MonitorRegistry {
	return &FileRegistry{path: path}
}

// GetRegistryPath returns the hidden registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register saves the running monitor's state. A file lock guards against
// a concurrent register from a boot-restart racing a manual start.
func (r *FileRegistry) Register(state domain.MonitorState) error {
	lockPath := r.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	if state.Version == 0 {
		state.Version = 1
	}
	if state.StartedAt == 0 {
		state.StartedAt = time.Now().Unix()
	}
	state.LastHeartbeat = time.Now().Unix()

	return r.atomicWrite(&state)
}

// UpdateHeartbeat refreshes the liveness timestamp.
func (r *FileRegistry) UpdateHeartbeat() error {
	state, err := r.Get()
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("monitor not registered")
	}

	state.LastHeartbeat = time.Now().Unix()
	return r.atomicWrite(state)
}

// Get returns the stored state, nil when never registered.
func (r *FileRegistry) Get() (*domain.MonitorState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state domain.MonitorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// IsAlive checks whether the registered monitor PID is running.
func (r *FileRegistry) IsAlive() (bool, error) {
	state, err := r.Get()
	if err != nil {
		return false, err
	}
	if state == nil || state.PID == 0 {
		return false, nil
	}

	// Signal 0 probes existence without delivering anything.
	proc, err := os.FindProcess(state.PID)
	if err != nil {
		return false, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// Clear removes the registry file.
func (r *FileRegistry) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes state to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(state *domain.MonitorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.MonitorRegistry.
var _ domain.MonitorRegistry = (*FileRegistry)(nil)
