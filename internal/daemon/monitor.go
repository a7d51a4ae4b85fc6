package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
	"github.com/YasinmkDev/IPE-Project-app/internal/usecase"
)

// Monitor is the long-running enforcement process. All engine decisions
// serialize through its single Run goroutine; the feed, the policy
// subscription, and posture checks hand their results over channels.
type Monitor struct {
	config     Config
	engine     *usecase.Engine
	feed       domain.ObservationFeed
	checker    domain.PostureChecker
	registry   domain.MonitorRegistry
	client     domain.PolicyClient
	admin      domain.AdminController
	bridge     domain.DeviceBridge
	logger     *zap.Logger
	appVersion string
}

// NewMonitor creates a monitor with its collaborators.
func NewMonitor(
	config Config,
	engine *usecase.Engine,
	feed domain.ObservationFeed,
	checker domain.PostureChecker,
	registry domain.MonitorRegistry,
	client domain.PolicyClient,
	admin domain.AdminController,
	bridge domain.DeviceBridge,
	appVersion string,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		config:     config,
		engine:     engine,
		feed:       feed,
		checker:    checker,
		registry:   registry,
		client:     client,
		admin:      admin,
		bridge:     bridge,
		logger:     logger,
		appVersion: appVersion,
	}
}

// Run starts the monitor loop for the given child.
// This blocks until context is canceled.
func (m *Monitor) Run(ctx context.Context, childID string) error {
	if err := m.registry.Register(domain.MonitorState{
		PID:        os.Getpid(),
		ChildID:    childID,
		AppVersion: m.appVersion,
	}); err != nil {
		m.logger.Error("failed to register monitor", zap.Error(err))
		return err
	}

	m.logger.Info("monitor started",
		zap.Int("pid", os.Getpid()),
		zap.String("child_id", childID))

	// Initial profile fetch. Failure is not fatal: enforcement stays in
	// its pre-policy state and the subscription delivers when the store
	// becomes reachable.
	if policy, err := m.client.FetchProfile(ctx, childID); err != nil {
		m.logger.Warn("initial profile fetch failed", zap.Error(err))
	} else {
		m.applyPolicy(policy)
	}

	m.uploadInventory(ctx, childID)

	sub, err := m.client.Subscribe(ctx, childID)
	if err != nil {
		m.logger.Error("failed to open policy subscription", zap.Error(err))
		return err
	}
	defer sub.Cancel()

	// Posture checks run off-loop so a slow probe never stalls event
	// handling. inFlight keeps at most one outstanding.
	verdictCh := make(chan domain.TamperVerdict, 1)
	inFlight := false

	tick := time.NewTicker(m.config.TickInterval)
	postureTicker := time.NewTicker(m.config.PostureInterval)
	heartbeatTicker := time.NewTicker(m.config.HeartbeatInterval)
	defer func() {
		tick.Stop()
		postureTicker.Stop()
		heartbeatTicker.Stop()
	}()

	// A nil events channel blocks forever in select. The monitor runs
	// degraded when the feed dies: no observation events, but screen-time
	// accounting, posture checks, and heartbeats continue.
	events := m.feed.Events()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping")
			if err := m.feed.Close(); err != nil {
				m.logger.Warn("failed to close feed", zap.Error(err))
			}
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				m.logger.Error("observation feed closed, continuing without events")
				events = nil
				continue
			}
			m.handleEvent(ctx, ev)

		case now := <-tick.C:
			m.engine.Tick(ctx, now)

		case <-postureTicker.C:
			if inFlight {
				continue
			}
			inFlight = true
			go func() {
				verdictCh <- m.checker.Check(ctx)
			}()

		case v := <-verdictCh:
			inFlight = false
			m.engine.OnVerdict(ctx, v)

		case <-heartbeatTicker.C:
			if err := m.registry.UpdateHeartbeat(); err != nil {
				m.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case policy, ok := <-sub.Updates():
			if !ok {
				m.logger.Warn("policy subscription closed")
				continue
			}
			m.applyPolicy(policy)

		case err, ok := <-sub.Errors():
			if ok {
				// Keep the last-known-good policy.
				m.logger.Warn("policy subscription error", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev domain.ObservationEvent) {
	switch ev.Kind {
	case domain.PackageAdded:
		m.admin.HandlePackageAdded(ev.App)
	case domain.PackageRemoved:
		m.admin.HandlePackageRemoved(ev.App)
	case domain.AdminEnabled:
		m.admin.SetAdminActive(true)
	case domain.AdminDisabled:
		m.admin.SetAdminActive(false)
	default:
		m.engine.HandleEvent(ctx, ev)
	}
}

// applyPolicy replaces the engine snapshot and reconciles the persisted
// blocked-app registry with the new blocklist.
func (m *Monitor) applyPolicy(policy *domain.Policy) {
	m.engine.SetPolicy(policy)

	current := m.admin.BlockedApps()
	desired := policy.BlockedApps

	for _, pkg := range current {
		if _, ok := desired[pkg]; !ok {
			m.admin.UnblockApp(pkg)
		}
	}
	for pkg := range desired {
		if !m.admin.IsBlocked(pkg) {
			m.admin.BlockApp(pkg)
		}
	}
}

// uploadInventory pushes the installed-app list to the store. Best
// effort: the parent dashboard just sees a stale list until next sync.
func (m *Monitor) uploadInventory(ctx context.Context, childID string) {
	apps, err := m.bridge.InstalledApps()
	if err != nil {
		m.logger.Warn("failed to enumerate installed apps", zap.Error(err))
		return
	}
	if err := m.client.UploadInstalledApps(ctx, childID, apps); err != nil {
		m.logger.Warn("failed to upload app inventory", zap.Error(err))
		return
	}
	m.logger.Info("app inventory uploaded", zap.Int("count", len(apps)))
}
