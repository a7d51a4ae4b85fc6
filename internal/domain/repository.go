package domain

import (
	"context"
	"errors"
)

// ErrProfileNotFound is returned when no profile document exists for a
// child identifier.
var ErrProfileNotFound = errors.New("child profile not found")

// ErrCodeNotFound is returned when a pairing code resolves to nothing.
var ErrCodeNotFound = errors.New("pairing code not found")

// PolicySubscription is a cancellable handle to a live profile stream.
// Every delivery is a full replacement snapshot; there are no diffs.
type PolicySubscription interface {
	// Updates delivers replacement Policy snapshots.
	Updates() <-chan *Policy

	// Errors delivers transient subscription failures. The consumer keeps
	// its last-known-good Policy; an error never clears it.
	Errors() <-chan error

	// Cancel stops the subscription and closes both channels.
	Cancel()
}

// PolicyClient talks to the remote profile store.
type PolicyClient interface {
	// FetchProfile fetches and normalizes the profile once. No retries:
	// the caller decides whether to re-fetch.
	FetchProfile(ctx context.Context, childID string) (*Policy, error)

	// Subscribe opens a live subscription for the child's profile.
	Subscribe(ctx context.Context, childID string) (PolicySubscription, error)

	// ResolvePairingCode resolves a short pairing code to its link pair.
	ResolvePairingCode(ctx context.Context, code string) (PairLink, error)

	// MarkDeviceLinked commits the pairing. Idempotent; called only after
	// the user completes every onboarding step.
	MarkDeviceLinked(ctx context.Context, childID, parentID string) error

	// UploadInstalledApps replaces the remote installed-app inventory
	// wholesale (delete-all-then-insert, not diffed).
	UploadInstalledApps(ctx context.Context, childID string, apps []InstalledApp) error
}

// PostureChecker evaluates device-integrity signals.
type PostureChecker interface {
	// Check returns a fresh verdict. Individual signal failures default
	// that signal to false; Check itself never fails.
	Check(ctx context.Context) TamperVerdict
}

// ObservationFeed is the sensor stream from the accessibility layer.
type ObservationFeed interface {
	// Events delivers observation events until Close.
	Events() <-chan ObservationEvent

	// Close unregisters the feed and closes the event channel.
	Close() error
}

// BlockPresenter drives the always-on-top interruption surface. The
// surface is back-resistant and redirects to the home screen on dismiss;
// that contract belongs to the platform side of the bridge.
type BlockPresenter interface {
	// ShowBlock presents the block overlay for a decision.
	ShowBlock(ctx context.Context, d Decision) error

	// RedirectHome forces a navigation to the home screen. Used before
	// ShowBlock for tamper blocks so the dangerous screen is never left
	// visible.
	RedirectHome(ctx context.Context) error
}

// DeviceBridge exposes the platform's privileged and query operations.
// Implementations talk to the on-device policy layer; tests substitute
// fakes.
type DeviceBridge interface {
	// SetAppHidden hides or unhides an app from the launcher.
	SetAppHidden(pkg string, hidden bool) error

	// SetUninstallBlocked toggles the uninstall block for a package.
	SetUninstallBlocked(pkg string, blocked bool) error

	// LockNow force-locks the device.
	LockNow() error

	// InstalledApps enumerates the installed package inventory.
	InstalledApps() ([]InstalledApp, error)

	// AppLabel resolves a package identifier to its display name,
	// returning the identifier itself when unknown.
	AppLabel(pkg string) string
}

// AdminController wraps device-administrator privileged operations and
// owns the locally persisted blocked-app registry. Every privileged
// operation requires an active admin grant; without one it returns false,
// never an error - callers treat that as "restriction pending".
type AdminController interface {
	// AdminActive reports whether the device-administrator grant is live.
	AdminActive() bool

	// SetAdminActive persists a grant state change from the OS layer.
	SetAdminActive(active bool)

	// HideApp hides an app from the launcher.
	HideApp(pkg string) bool

	// UnhideApp reverses HideApp.
	UnhideApp(pkg string) bool

	// BlockUninstall prevents the package from being uninstalled.
	BlockUninstall(pkg string) bool

	// AllowUninstall reverses BlockUninstall.
	AllowUninstall(pkg string) bool

	// LockDevice force-locks the device.
	LockDevice() bool

	// BlockApp adds the package to the local registry and applies
	// hide + uninstall-block.
	BlockApp(pkg string) bool

	// UnblockApp removes the package from the registry and lifts its
	// restrictions.
	UnblockApp(pkg string) bool

	// IsBlocked consults the local registry, independent of whether the
	// remote profile store is reachable.
	IsBlocked(pkg string) bool

	// BlockedApps returns the local registry contents.
	BlockedApps() []string

	// HandlePackageAdded re-applies restrictions to a newly installed or
	// changed package when the registry says it should be blocked.
	HandlePackageAdded(pkg string)

	// HandlePackageRemoved prunes an uninstalled package from the
	// registry.
	HandlePackageRemoved(pkg string)
}

// StateStore is the encrypted on-device key-value state that survives
// process restarts and device boots.
type StateStore interface {
	// ChildID returns the stored child identifier, empty when unlinked.
	ChildID() (string, error)

	// SetChildID stores the child identifier.
	SetChildID(id string) error

	// AdminGranted returns the persisted device-admin grant flag.
	AdminGranted() (bool, error)

	// SetAdminGranted persists the device-admin grant flag.
	SetAdminGranted(granted bool) error

	// BlockedApps returns the persisted blocked package identifiers.
	BlockedApps() ([]string, error)

	// SaveBlockedApps replaces the persisted blocked package set.
	SaveBlockedApps(pkgs []string) error

	// AppendIncident persists one security incident record.
	AppendIncident(inc SecurityIncident) error

	// RecentIncidents returns up to n incidents, newest first.
	RecentIncidents(n int) ([]SecurityIncident, error)

	// Close releases the underlying database.
	Close() error
}

// MonitorRegistry provides monitor discovery for the CLI and the boot
// restart path.
type MonitorRegistry interface {
	// Register saves the running monitor's state.
	Register(state MonitorState) error

	// UpdateHeartbeat refreshes the liveness timestamp.
	UpdateHeartbeat() error

	// Get returns the stored state, nil when never registered.
	Get() (*MonitorState, error)

	// IsAlive checks whether the registered monitor PID is running.
	IsAlive() (bool, error)

	// Clear removes the registry file.
	Clear() error
}
