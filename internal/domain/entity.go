// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// AgeGroup is the coarse age bracket driving default restrictions.
type AgeGroup string

const (
	AgeToddler AgeGroup = "toddler" // 0-5
	AgeChild   AgeGroup = "child"   // 6-12
	AgeTeen    AgeGroup = "teen"    // 13-17
	AgeAdult   AgeGroup = "adult"   // 18+
)

// AgeGroupFromAge maps an age in years onto its bracket.
func AgeGroupFromAge(age int) AgeGroup {
	switch {
	case age <= 5:
		return AgeToddler
	case age <= 12:
		return AgeChild
	case age <= 17:
		return AgeTeen
	default:
		return AgeAdult
	}
}

// Policy is the current restriction configuration for one child device.
// A Policy value is immutable once built: updates replace the whole
// snapshot, they never merge fields, so the engine can never observe a
// mix of two versions.
type Policy struct {
	ChildID                 string
	BlockedApps             map[string]struct{} // exact package identifiers
	BlockedSiteFragments    []string            // ordered, matched case-insensitively
	AgeGroup                AgeGroup
	ScreenTimeBudgetMinutes int  // 0 means unconstrained
	StorageRestricted       bool
	ProtectionActive        bool // master switch; false during onboarding
	Revision                int64
}

// IsAppBlocked reports exact-set membership. Substrings and superstrings
// of a listed identifier must not match.
func (p *Policy) IsAppBlocked(pkg string) bool {
	if p == nil {
		return false
	}
	_, ok := p.BlockedApps[pkg]
	return ok
}

// RestrictionProfile holds the compiled-in defaults for one age group.
// Constructed once at startup from the embedded profile table, immutable
// thereafter.
type RestrictionProfile struct {
	AgeGroup            AgeGroup `yaml:"age_group"`
	BlockedAppKeywords  []string `yaml:"blocked_app_keywords"`
	BlockedSites        []string `yaml:"blocked_sites"`
	AllowedAppsOnly     bool     `yaml:"allowed_apps_only"`
	ScreenTimeMinutes   int      `yaml:"screen_time_minutes"`
	BedtimeStart        string   `yaml:"bedtime_start"` // "HH:MM", "00:00" disables
	BedtimeEnd          string   `yaml:"bedtime_end"`
	AllowedCategories   []string `yaml:"allowed_categories"`
	AllowUninstall      bool     `yaml:"allow_uninstall"`
	AllowClearData      bool     `yaml:"allow_clear_data"`
	AllowStorageAccess  bool     `yaml:"allow_storage_access"`
	AllowSettingsAccess bool     `yaml:"allow_settings_access"`
}

// EventKind discriminates ObservationEvent variants.
type EventKind string

const (
	// ForegroundAppChanged reports a window/package transition.
	ForegroundAppChanged EventKind = "foreground_app_changed"
	// BrowserURLObserved reports a URL rendered inside a browser app.
	BrowserURLObserved EventKind = "browser_url_observed"
	// SettingsContentObserved carries the rendered settings UI tree so the
	// engine can scan it for tamper actions.
	SettingsContentObserved EventKind = "settings_content_observed"
	// PackageAdded reports an app install or update.
	PackageAdded EventKind = "package_added"
	// PackageRemoved reports an app uninstall.
	PackageRemoved EventKind = "package_removed"
	// AdminEnabled and AdminDisabled report device-admin grant changes.
	AdminEnabled  EventKind = "admin_enabled"
	AdminDisabled EventKind = "admin_disabled"
)

// ObservationEvent is one ephemeral reading from the accessibility feed.
// It lives for a single decision cycle and is never persisted.
type ObservationEvent struct {
	Kind EventKind
	App  string  // package identifier of the foreground app
	URL  string  // set for BrowserURLObserved
	Tree *UINode // set for SettingsContentObserved
}

// UINode is one labelled node of a rendered UI tree.
type UINode struct {
	Text     string   `json:"text"`
	ViewID   string   `json:"view_id"`
	Children []UINode `json:"children"`
}

// TamperVerdict is a point-in-time snapshot of device-integrity signals.
// Recomputed on every check, never mutated.
type TamperVerdict struct {
	Rooted              bool
	DebuggerAttached    bool
	Emulator            bool
	InvalidSignature    bool
	USBDebuggingEnabled bool
	Tampered            bool
}

// DeriveTampered computes the aggregate flag. Emulator is informational
// only: emulators are used for legitimate testing, so it never trips the
// verdict on its own.
func DeriveTampered(v TamperVerdict) bool {
	return v.Rooted || v.DebuggerAttached || v.InvalidSignature || v.USBDebuggingEnabled
}

// Outcome is the terminal state of one decision cycle.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeBlock   Outcome = "block"
	OutcomeIgnored Outcome = "ignored"
)

// BlockReason labels why an interruption was triggered.
type BlockReason string

const (
	ReasonAppBlocked         BlockReason = "app_blocked"
	ReasonSiteBlocked        BlockReason = "site_blocked"
	ReasonStorageRestricted  BlockReason = "storage_restricted"
	ReasonTamperAttempt      BlockReason = "tamper_attempt"
	ReasonScreenTimeExceeded BlockReason = "screen_time_exceeded"
)

// Decision captures the result of evaluating one event or tick.
type Decision struct {
	Outcome      Outcome
	Reason       BlockReason // set when Outcome == OutcomeBlock
	App          string      // offending package identifier
	URL          string      // offending URL for site blocks
	MatchedLabel string      // dangerous settings action for tamper blocks
	MinutesUsed  int         // elapsed minutes for screen-time blocks
	KeywordMatch bool        // true when blocked via the age-profile defaults
}

// Allowed is shorthand for a plain allow decision.
func Allowed() Decision { return Decision{Outcome: OutcomeAllow} }

// Ignored is shorthand for an ignored decision.
func Ignored() Decision { return Decision{Outcome: OutcomeIgnored} }

// SecurityIncident is the structured record persisted when a periodic
// posture check comes back tampered.
type SecurityIncident struct {
	ID        string
	Timestamp time.Time
	ChildID   string
	Verdict   TamperVerdict
}

// InstalledApp describes one package in the device inventory upload.
type InstalledApp struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	VersionName string `json:"versionName"`
	VersionCode int64  `json:"versionCode"`
	SystemApp   bool   `json:"isSystemApp"`
}

// PairLink is the result of resolving a human-enterable pairing code.
// Resolving a code previews eligibility only; marking the device linked
// is a separate explicit write.
type PairLink struct {
	ChildID  string
	ParentID string
}

// MonitorState stores the running monitor's identity for liveness checks
// and restart decisions. Persisted to a hidden file.
type MonitorState struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	ChildID       string `json:"child_id"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}
