// Package security evaluates device-integrity signals: root, attached
// debugger, emulator, binary signature, and USB debugging.
//
// Every signal check is independently fail-open: if one check errors,
// that signal alone defaults to false. Partial information beats
// blocking the whole device on a flaky probe.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

// suBinaryPaths are the well-known su binary locations scanned when the
// primary root probe fails to execute.
var suBinaryPaths = []string{
	"/system/app/Superuser.apk",
	"/sbin/su",
	"/system/bin/su",
	"/system/xbin/su",
	"/data/local/xbin/su",
	"/data/local/bin/su",
	"/system/sd/xbin/su",
	"/system/bin/failsafe/su",
	"/data/local/su",
}

// rootDaemonNames are processes whose presence indicates an active root
// framework.
var rootDaemonNames = []string{"magiskd", "daemonsu", "su"}

// debuggerProcessNames are instrumentation tools scanned for in the
// process table.
var debuggerProcessNames = []string{"frida-server", "gdbserver", "lldb-server"}

// adbDaemonName is the debug bridge daemon; its presence means USB
// debugging is enabled.
const adbDaemonName = "adbd"

// ProcessLister abstracts the process-table scan for testing.
type ProcessLister interface {
	// ProcessNames returns the names of all running processes.
	ProcessNames() ([]string, error)
}

// FileChecker abstracts file existence checks for testing.
type FileChecker interface {
	Exists(path string) bool
}

// HostInfoFunc returns platform/virtualization info for the emulator
// heuristic.
type HostInfoFunc func(ctx context.Context) (*host.InfoStat, error)

// GopsutilProcessLister lists real processes via gopsutil.
type GopsutilProcessLister struct{}

// ProcessNames returns the name of every process gopsutil can read.
// Processes that exit mid-scan are skipped.
func (GopsutilProcessLister) ProcessNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// OSFileChecker checks the real filesystem.
type OSFileChecker struct{}

// Exists checks if a path exists.
func (OSFileChecker) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Checker implements domain.PostureChecker.
type Checker struct {
	procs       ProcessLister
	files       FileChecker
	hostInfo    HostInfoFunc
	tracerPid   func() (int, error)
	expectedSum string // hex sha256 of the agent binary, "" skips the check
	executable  func() (string, error)
	logger      *zap.Logger
}

// NewChecker creates a posture checker with real probes. expectedSum is
// the binary checksum recorded at install time; pass empty to accept any
// binary (first install, before the checksum is recorded).
func NewChecker(expectedSum string, logger *zap.Logger) *Checker {
	return &Checker{
		procs:       GopsutilProcessLister{},
		files:       OSFileChecker{},
		hostInfo:    host.InfoWithContext,
		tracerPid:   readTracerPid,
		expectedSum: expectedSum,
		executable:  os.Executable,
		logger:      logger,
	}
}

// NewCheckerWithDeps creates a checker with injectable probes (for
// testing).
func NewCheckerWithDeps(
	procs ProcessLister,
	files FileChecker,
	hostInfo HostInfoFunc,
	tracerPid func() (int, error),
	expectedSum string,
	executable func() (string, error),
	logger *zap.Logger,
) *Checker {
	return &Checker{
		procs:       procs,
		files:       files,
		hostInfo:    hostInfo,
		tracerPid:   tracerPid,
		expectedSum: expectedSum,
		executable:  executable,
		logger:      logger,
	}
}

// Check evaluates all five signals and derives the tamper flag. Check
// itself never fails; each signal degrades to false on error.
func (c *Checker) Check(ctx context.Context) domain.TamperVerdict {
	v := domain.TamperVerdict{
		Rooted:              c.failOpen("rooted", c.isRooted),
		DebuggerAttached:    c.failOpen("debugger", c.isDebuggerAttached),
		Emulator:            c.failOpen("emulator", func() (bool, error) { return c.isEmulator(ctx) }),
		InvalidSignature:    c.failOpen("signature", c.isSignatureInvalid),
		USBDebuggingEnabled: c.failOpen("usb_debugging", c.isUSBDebuggingEnabled),
	}
	v.Tampered = domain.DeriveTampered(v)
	return v
}

// failOpen runs one signal check, mapping errors (and panics) to false.
func (c *Checker) failOpen(signal string, check func() (bool, error)) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("posture check panicked", zap.String("signal", signal), zap.Any("panic", r))
			result = false
		}
	}()

	result, err := check()
	if err != nil {
		c.logger.Warn("posture check failed, treating as clean",
			zap.String("signal", signal), zap.Error(err))
		return false
	}
	return result
}

// isRooted tries the process-table probe first and falls back to the
// fixed su-path scan only when the probe itself fails to execute.
func (c *Checker) isRooted() (bool, error) {
	names, err := c.procs.ProcessNames()
	if err != nil {
		c.logger.Debug("root probe unavailable, scanning su paths", zap.Error(err))
		return c.scanSuPaths(), nil
	}
	for _, name := range names {
		for _, daemon := range rootDaemonNames {
			if name == daemon {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Checker) scanSuPaths() bool {
	for _, path := range suBinaryPaths {
		if c.files.Exists(path) {
			return true
		}
	}
	return false
}

// isDebuggerAttached checks the kernel's tracer record for this process
// and scans for known instrumentation servers.
func (c *Checker) isDebuggerAttached() (bool, error) {
	if pid, err := c.tracerPid(); err == nil && pid != 0 {
		return true, nil
	}

	names, err := c.procs.ProcessNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		for _, dbg := range debuggerProcessNames {
			if name == dbg {
				return true, nil
			}
		}
	}
	return false, nil
}

// isEmulator applies host heuristics: a guest virtualization role or a
// generic build hostname. Informational only, never tamper-triggering.
func (c *Checker) isEmulator(ctx context.Context) (bool, error) {
	info, err := c.hostInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.VirtualizationRole == "guest" && info.VirtualizationSystem != "" {
		return true, nil
	}
	hostname := strings.ToLower(info.Hostname)
	return strings.Contains(hostname, "generic") || strings.Contains(hostname, "emulator"), nil
}

// isSignatureInvalid compares the running binary's checksum with the one
// recorded at install. No recorded checksum means the check passes.
func (c *Checker) isSignatureInvalid() (bool, error) {
	if c.expectedSum == "" {
		return false, nil
	}
	path, err := c.executable()
	if err != nil {
		return false, err
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(sum, c.expectedSum), nil
}

// isUSBDebuggingEnabled scans for the debug bridge daemon.
func (c *Checker) isUSBDebuggingEnabled() (bool, error) {
	names, err := c.procs.ProcessNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == adbDaemonName {
			return true, nil
		}
	}
	return false, nil
}

// readTracerPid parses TracerPid from the kernel status record of the
// current process. A non-Linux platform simply reports no tracer.
func readTracerPid() (int, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		var pid int
		if _, err := fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")), "%d", &pid); err != nil {
			return 0, err
		}
		return pid, nil
	}
	return 0, nil
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Ensure Checker implements domain.PostureChecker.
var _ domain.PostureChecker = (*Checker)(nil)
