// Package usecase contains application business logic.
package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
	"github.com/YasinmkDev/IPE-Project-app/internal/policy"
)

// systemSettingsPackage is the package identifier of the system settings
// app, the entry point for every on-device tamper path.
const systemSettingsPackage = "com.android.settings"

// knownBrowsers are the browser packages whose in-app content the engine
// watches for blocked sites.
var knownBrowsers = map[string]struct{}{
	"com.android.chrome":           {},
	"org.mozilla.firefox":          {},
	"com.opera.browser":            {},
	"com.microsoft.emmx":           {},
	"com.brave.browser":            {},
	"com.sec.android.app.sbrowser": {},
}

// fileManagerPackages are the file-manager apps blocked under storage
// restriction.
var fileManagerPackages = map[string]struct{}{
	"com.google.android.apps.nbu.files": {},
	"com.android.documentsui":           {},
	"com.mi.android.globalFileexplorer": {},
	"com.estrongs.android.pop":          {},
	"com.alphainventor.filemanager":     {},
}

// Engine is the single authority deciding whether the foregrounded
// app/content is allowed, and for orchestrating block side effects.
//
// It is not safe for concurrent use: the monitor confines every call -
// event, tick, verdict, policy replacement - to one goroutine, which is
// how event arrival and timer ticks serialize into one decision path.
type Engine struct {
	selfPkg   string
	selfLabel string
	profiles  *policy.Profiles
	presenter domain.BlockPresenter
	admin     domain.AdminController
	store     domain.StateStore
	logger    *zap.Logger

	policy         *domain.Policy // current snapshot, replaced wholesale
	verdict        domain.TamperVerdict
	watchedBrowser string // foreground browser in content-watch mode
	screen         *ScreenTimeAccountant
}

// NewEngine creates an enforcement engine. The policy starts empty;
// nothing is blocked until SetPolicy installs a snapshot with
// ProtectionActive set.
func NewEngine(
	selfPkg string,
	selfLabel string,
	profiles *policy.Profiles,
	presenter domain.BlockPresenter,
	admin domain.AdminController,
	store domain.StateStore,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		selfPkg:   selfPkg,
		selfLabel: selfLabel,
		profiles:  profiles,
		presenter: presenter,
		admin:     admin,
		store:     store,
		logger:    logger,
		screen:    NewScreenTimeAccountant(0),
	}
}

// SetPolicy installs a replacement policy snapshot. Snapshots are
// immutable; the engine never sees a partially updated policy.
func (e *Engine) SetPolicy(p *domain.Policy) {
	if p == nil {
		return
	}
	e.policy = p
	e.screen.SetBudget(p.ScreenTimeBudgetMinutes)
	e.logger.Info("policy updated",
		zap.String("child_id", p.ChildID),
		zap.Int64("revision", p.Revision),
		zap.Int("blocked_apps", len(p.BlockedApps)),
		zap.Int("blocked_sites", len(p.BlockedSiteFragments)),
		zap.Bool("protection_active", p.ProtectionActive))
}

// Policy returns the current snapshot, nil before the first update.
func (e *Engine) Policy() *domain.Policy { return e.policy }

// Verdict returns the most recent tamper verdict.
func (e *Engine) Verdict() domain.TamperVerdict { return e.verdict }

// HandleEvent evaluates one observation event and performs any block
// side effects. It never panics and never returns an error: a monitor
// that crashes enforces nothing, so every failure path logs and falls
// through to a non-blocking decision.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.ObservationEvent) (d domain.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered from evaluation panic", zap.Any("panic", r))
			d = domain.Ignored()
		}
	}()

	// Hard short-circuit: onboarding runs before consent, and blocking
	// during setup is a critical defect.
	if e.policy == nil || !e.policy.ProtectionActive {
		return domain.Ignored()
	}

	switch ev.Kind {
	case domain.ForegroundAppChanged:
		return e.evaluateForeground(ctx, ev.App)
	case domain.BrowserURLObserved:
		return e.evaluateBrowserURL(ctx, ev.App, ev.URL)
	case domain.SettingsContentObserved:
		return e.evaluateSettingsTree(ctx, ev.App, ev.Tree)
	default:
		e.logger.Warn("unknown observation event kind", zap.String("kind", string(ev.Kind)))
		return domain.Ignored()
	}
}

// evaluateForeground runs the fixed-order foreground checks. Ordering is
// positional and first-match-wins; it must be preserved for
// compatibility with existing behavior.
func (e *Engine) evaluateForeground(ctx context.Context, app string) domain.Decision {
	// A new foreground app always exits browser watch mode.
	e.watchedBrowser = ""

	if app == "" || app == e.selfPkg {
		return domain.Ignored()
	}

	if e.policy.IsAppBlocked(app) {
		return e.block(ctx, domain.Decision{
			Outcome: domain.OutcomeBlock,
			Reason:  domain.ReasonAppBlocked,
			App:     app,
		})
	}

	if e.policy.StorageRestricted {
		if _, ok := fileManagerPackages[app]; ok {
			return e.block(ctx, domain.Decision{
				Outcome: domain.OutcomeBlock,
				Reason:  domain.ReasonStorageRestricted,
				App:     app,
			})
		}
	}

	if _, ok := knownBrowsers[app]; ok {
		e.watchedBrowser = app
		e.logger.Debug("watching browser content", zap.String("app", app))
		return domain.Allowed()
	}

	if app == systemSettingsPackage {
		// The tamper scan itself runs when the feed delivers the rendered
		// settings tree; the transition alone is not a block.
		e.logger.Debug("settings foregrounded, awaiting content")
		return domain.Allowed()
	}

	// Secondary path: age-profile keyword match. The exact-set check
	// above stays authoritative.
	if e.profiles.AppMatchesKeywords(app, e.policy.AgeGroup) {
		return e.block(ctx, domain.Decision{
			Outcome:      domain.OutcomeBlock,
			Reason:       domain.ReasonAppBlocked,
			App:          app,
			KeywordMatch: true,
		})
	}

	return domain.Allowed()
}

// evaluateBrowserURL matches an observed URL against the policy's site
// fragments, then against the age profile's default blocked sites. Only
// content from the browser currently in watch mode is evaluated.
func (e *Engine) evaluateBrowserURL(ctx context.Context, app, url string) domain.Decision {
	if app != e.watchedBrowser || url == "" {
		return domain.Ignored()
	}

	if fragment, ok := matchSiteFragment(url, e.policy.BlockedSiteFragments); ok {
		e.logger.Info("blocked site observed",
			zap.String("app", app),
			zap.String("url", url),
			zap.String("fragment", fragment))
		return e.block(ctx, domain.Decision{
			Outcome: domain.OutcomeBlock,
			Reason:  domain.ReasonSiteBlocked,
			App:     app,
			URL:     url,
		})
	}

	// Secondary path, mirroring the app keyword check: the age profile's
	// default site list applies even when the parent listed nothing.
	if e.profiles.SiteMatchesProfile(url, e.policy.AgeGroup) {
		return e.block(ctx, domain.Decision{
			Outcome:      domain.OutcomeBlock,
			Reason:       domain.ReasonSiteBlocked,
			App:          app,
			URL:          url,
			KeywordMatch: true,
		})
	}
	return domain.Allowed()
}

// evaluateSettingsTree scans the rendered settings UI for the agent's
// display name next to a dangerous action. A hit forces a home
// navigation before the overlay so the dangerous screen is never left
// visible.
func (e *Engine) evaluateSettingsTree(ctx context.Context, app string, tree *domain.UINode) domain.Decision {
	if app != systemSettingsPackage || tree == nil {
		return domain.Ignored()
	}

	label, found := findDangerousAction(tree, e.selfLabel)
	if !found {
		return domain.Allowed()
	}

	e.logger.Warn("settings tamper attempt detected",
		zap.String("action", label))

	if err := e.presenter.RedirectHome(ctx); err != nil {
		e.logger.Error("home redirect failed", zap.Error(err))
	}
	return e.block(ctx, domain.Decision{
		Outcome:      domain.OutcomeBlock,
		Reason:       domain.ReasonTamperAttempt,
		App:          app,
		MatchedLabel: label,
	})
}

// Tick advances screen-time accounting by one monitoring interval.
// Returns a block decision on the single tick where the budget is first
// exceeded, Allow otherwise.
func (e *Engine) Tick(ctx context.Context, now time.Time) domain.Decision {
	if e.policy == nil || !e.policy.ProtectionActive {
		return domain.Ignored()
	}

	crossed, minutes := e.screen.Tick(now)
	if !crossed {
		return domain.Allowed()
	}

	e.logger.Warn("screen time limit exceeded",
		zap.Int("minutes_used", minutes),
		zap.Int("budget_minutes", e.screen.Budget()))
	return e.block(ctx, domain.Decision{
		Outcome:     domain.OutcomeBlock,
		Reason:      domain.ReasonScreenTimeExceeded,
		MinutesUsed: minutes,
	})
}

// ResetScreenTime clears the accumulated screen time. Hook for an
// external rollover trigger.
func (e *Engine) ResetScreenTime() { e.screen.Reset() }

// OnVerdict records a fresh posture verdict. A tampered verdict persists
// an incident and force-locks the device. This path is independent of
// per-event blocking and runs even while protection is inactive: a
// tampered device cannot be trusted to finish onboarding either.
func (e *Engine) OnVerdict(ctx context.Context, v domain.TamperVerdict) {
	e.verdict = v
	if !v.Tampered {
		return
	}

	childID := ""
	if e.policy != nil {
		childID = e.policy.ChildID
	}
	inc := domain.SecurityIncident{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		ChildID:   childID,
		Verdict:   v,
	}

	e.logger.Warn("device appears tampered",
		zap.String("incident_id", inc.ID),
		zap.Bool("rooted", v.Rooted),
		zap.Bool("debugger", v.DebuggerAttached),
		zap.Bool("emulator", v.Emulator),
		zap.Bool("invalid_signature", v.InvalidSignature),
		zap.Bool("usb_debugging", v.USBDebuggingEnabled))

	if err := e.store.AppendIncident(inc); err != nil {
		e.logger.Error("failed to persist incident", zap.Error(err))
	}

	if !e.admin.LockDevice() {
		e.logger.Warn("lock device failed, admin grant missing")
	}
}

// block performs the overlay side effect and returns the decision.
func (e *Engine) block(ctx context.Context, d domain.Decision) domain.Decision {
	e.logger.Info("blocking",
		zap.String("reason", string(d.Reason)),
		zap.String("app", d.App),
		zap.String("url", d.URL),
		zap.Bool("keyword_match", d.KeywordMatch))

	if err := e.presenter.ShowBlock(ctx, d); err != nil {
		// The decision stands even when the overlay fails; the next
		// event re-evaluates and retries.
		e.logger.Error("failed to present block overlay", zap.Error(err))
	}
	return d
}

// matchSiteFragment returns the first fragment contained in the URL,
// case-insensitively. Fragment order is preserved from the policy.
func matchSiteFragment(url string, fragments []string) (string, bool) {
	lower := strings.ToLower(url)
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(f)) {
			return f, true
		}
	}
	return "", false
}
