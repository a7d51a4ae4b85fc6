package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
	"github.com/YasinmkDev/IPE-Project-app/internal/policy"
	"github.com/YasinmkDev/IPE-Project-app/internal/usecase"
)

// stubFeed implements domain.ObservationFeed over a plain channel
type stubFeed struct {
	ch        chan domain.ObservationEvent
	closeOnce sync.Once
}

func newStubFeed() *stubFeed {
	return &stubFeed{ch: make(chan domain.ObservationEvent, 16)}
}

func (f *stubFeed) Events() <-chan domain.ObservationEvent { return f.ch }

func (f *stubFeed) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

// stubChecker implements domain.PostureChecker
type stubChecker struct {
	mu      sync.Mutex
	verdict domain.TamperVerdict
	calls   int
}

func (c *stubChecker) Check(context.Context) domain.TamperVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.verdict
}

func (c *stubChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stubRegistry implements domain.MonitorRegistry
type stubRegistry struct {
	mu         sync.Mutex
	state      *domain.MonitorState
	heartbeats int
}

func (r *stubRegistry) Register(state domain.MonitorState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = &state
	return nil
}

func (r *stubRegistry) UpdateHeartbeat() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *stubRegistry) Get() (*domain.MonitorState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *stubRegistry) IsAlive() (bool, error) { return r.state != nil, nil }
func (r *stubRegistry) Clear() error           { r.state = nil; return nil }

func (r *stubRegistry) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

// stubSubscription implements domain.PolicySubscription
type stubSubscription struct {
	updates chan *domain.Policy
	errs    chan error
	once    sync.Once
}

func newStubSubscription() *stubSubscription {
	return &stubSubscription{
		updates: make(chan *domain.Policy, 4),
		errs:    make(chan error, 4),
	}
}

func (s *stubSubscription) Updates() <-chan *domain.Policy { return s.updates }
func (s *stubSubscription) Errors() <-chan error           { return s.errs }

func (s *stubSubscription) Cancel() {
	s.once.Do(func() {
		close(s.updates)
		close(s.errs)
	})
}

// stubClient implements domain.PolicyClient
type stubClient struct {
	policy   *domain.Policy
	fetchErr error
	sub      *stubSubscription

	mu       sync.Mutex
	uploaded []domain.InstalledApp
}

func (c *stubClient) FetchProfile(context.Context, string) (*domain.Policy, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	if c.policy == nil {
		return nil, domain.ErrProfileNotFound
	}
	return c.policy, nil
}

func (c *stubClient) Subscribe(context.Context, string) (domain.PolicySubscription, error) {
	return c.sub, nil
}

func (c *stubClient) ResolvePairingCode(context.Context, string) (domain.PairLink, error) {
	return domain.PairLink{}, domain.ErrCodeNotFound
}

func (c *stubClient) MarkDeviceLinked(context.Context, string, string) error { return nil }

func (c *stubClient) UploadInstalledApps(_ context.Context, _ string, apps []domain.InstalledApp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploaded = apps
	return nil
}

func (c *stubClient) uploadedApps() []domain.InstalledApp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploaded
}

// stubAdmin implements domain.AdminController recording calls
type stubAdmin struct {
	mu       sync.Mutex
	active   bool
	registry []string
	added    []string
	removed  []string
	locks    int
}

func (a *stubAdmin) AdminActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *stubAdmin) SetAdminActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = active
}

func (a *stubAdmin) HideApp(string) bool        { return true }
func (a *stubAdmin) UnhideApp(string) bool      { return true }
func (a *stubAdmin) BlockUninstall(string) bool { return true }
func (a *stubAdmin) AllowUninstall(string) bool { return true }

func (a *stubAdmin) LockDevice() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locks++
	return true
}

func (a *stubAdmin) BlockApp(pkg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry = append(a.registry, pkg)
	return true
}

func (a *stubAdmin) UnblockApp(pkg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.registry {
		if p == pkg {
			a.registry = append(a.registry[:i], a.registry[i+1:]...)
			return true
		}
	}
	return false
}

func (a *stubAdmin) IsBlocked(pkg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.registry {
		if p == pkg {
			return true
		}
	}
	return false
}

func (a *stubAdmin) BlockedApps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.registry))
	copy(out, a.registry)
	return out
}

func (a *stubAdmin) HandlePackageAdded(pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.added = append(a.added, pkg)
}

func (a *stubAdmin) HandlePackageRemoved(pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, pkg)
}

func (a *stubAdmin) addedPackages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.added))
	copy(out, a.added)
	return out
}

// recordingPresenter implements domain.BlockPresenter
type recordingPresenter struct {
	blocks chan domain.Decision
}

func (p *recordingPresenter) ShowBlock(_ context.Context, d domain.Decision) error {
	p.blocks <- d
	return nil
}

func (p *recordingPresenter) RedirectHome(context.Context) error { return nil }

// recordingStore implements domain.StateStore
type recordingStore struct {
	mu        sync.Mutex
	incidents []domain.SecurityIncident
}

func (s *recordingStore) ChildID() (string, error)         { return "child-1", nil }
func (s *recordingStore) SetChildID(string) error          { return nil }
func (s *recordingStore) AdminGranted() (bool, error)      { return true, nil }
func (s *recordingStore) SetAdminGranted(bool) error       { return nil }
func (s *recordingStore) BlockedApps() ([]string, error)   { return nil, nil }
func (s *recordingStore) SaveBlockedApps([]string) error   { return nil }
func (s *recordingStore) Close() error                     { return nil }

func (s *recordingStore) AppendIncident(inc domain.SecurityIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	return nil
}

func (s *recordingStore) RecentIncidents(int) ([]domain.SecurityIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incidents, nil
}

func (s *recordingStore) incidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incidents)
}

// stubDeviceBridge implements domain.DeviceBridge
type stubDeviceBridge struct {
	apps []domain.InstalledApp
}

func (b *stubDeviceBridge) SetAppHidden(string, bool) error        { return nil }
func (b *stubDeviceBridge) SetUninstallBlocked(string, bool) error { return nil }
func (b *stubDeviceBridge) LockNow() error                         { return nil }
func (b *stubDeviceBridge) AppLabel(pkg string) string             { return pkg }

func (b *stubDeviceBridge) InstalledApps() ([]domain.InstalledApp, error) {
	return b.apps, nil
}

type monitorFixture struct {
	monitor   *Monitor
	feed      *stubFeed
	checker   *stubChecker
	registry  *stubRegistry
	client    *stubClient
	admin     *stubAdmin
	presenter *recordingPresenter
	store     *recordingStore
}

func newMonitorFixture(t *testing.T, initial *domain.Policy) *monitorFixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.PostureInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	f := &monitorFixture{
		feed:      newStubFeed(),
		checker:   &stubChecker{},
		registry:  &stubRegistry{},
		client:    &stubClient{policy: initial, sub: newStubSubscription()},
		admin:     &stubAdmin{active: true},
		presenter: &recordingPresenter{blocks: make(chan domain.Decision, 16)},
		store:     &recordingStore{},
	}

	engine := usecase.NewEngine(
		"com.guardian.agent", "Guardian", policy.MustLoad(),
		f.presenter, f.admin, f.store, zap.NewNop(),
	)
	bridge := &stubDeviceBridge{apps: []domain.InstalledApp{{PackageName: "com.duolingo"}}}

	f.monitor = NewMonitor(cfg, engine, f.feed, f.checker, f.registry,
		f.client, f.admin, bridge, "test", zap.NewNop())
	return f
}

func runMonitor(t *testing.T, f *monitorFixture) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.monitor.Run(ctx, "child-1")
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not stop")
		}
	})
	return cancel
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestMonitor_BlocksFromInitialPolicy verifies the fetch-at-start path
// drives enforcement
func TestMonitor_BlocksFromInitialPolicy(t *testing.T) {
	p := &domain.Policy{
		ChildID:          "child-1",
		BlockedApps:      map[string]struct{}{"com.bad.app": {}},
		AgeGroup:         domain.AgeAdult,
		ProtectionActive: true,
		Revision:         1,
	}
	f := newMonitorFixture(t, p)
	runMonitor(t, f)

	f.feed.ch <- domain.ObservationEvent{Kind: domain.ForegroundAppChanged, App: "com.bad.app"}

	select {
	case d := <-f.presenter.blocks:
		assert.Equal(t, domain.ReasonAppBlocked, d.Reason)
		assert.Equal(t, "com.bad.app", d.App)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block")
	}
}

// TestMonitor_RegistersAndUploadsInventory verifies startup side effects
func TestMonitor_RegistersAndUploadsInventory(t *testing.T) {
	f := newMonitorFixture(t, nil)
	runMonitor(t, f)

	eventually(t, func() bool {
		state, _ := f.registry.Get()
		return state != nil && state.ChildID == "child-1"
	}, "monitor never registered")

	eventually(t, func() bool {
		apps := f.client.uploadedApps()
		return len(apps) == 1 && apps[0].PackageName == "com.duolingo"
	}, "inventory never uploaded")
}

// TestMonitor_SubscriptionReplacesPolicy verifies live updates reconcile
// the blocked registry
func TestMonitor_SubscriptionReplacesPolicy(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.admin.registry = []string{"com.stale.app"}
	runMonitor(t, f)

	f.client.sub.updates <- &domain.Policy{
		ChildID:          "child-1",
		BlockedApps:      map[string]struct{}{"com.fresh.app": {}},
		AgeGroup:         domain.AgeAdult,
		ProtectionActive: true,
		Revision:         2,
	}

	eventually(t, func() bool {
		return f.admin.IsBlocked("com.fresh.app") && !f.admin.IsBlocked("com.stale.app")
	}, "registry never reconciled with the new policy")
}

// TestMonitor_SubscriptionErrorKeepsPolicy verifies last-known-good
// survival
func TestMonitor_SubscriptionErrorKeepsPolicy(t *testing.T) {
	p := &domain.Policy{
		ChildID:          "child-1",
		BlockedApps:      map[string]struct{}{"com.bad.app": {}},
		AgeGroup:         domain.AgeAdult,
		ProtectionActive: true,
		Revision:         1,
	}
	f := newMonitorFixture(t, p)
	runMonitor(t, f)

	f.client.sub.errs <- assert.AnError

	// The stale policy still blocks.
	f.feed.ch <- domain.ObservationEvent{Kind: domain.ForegroundAppChanged, App: "com.bad.app"}
	select {
	case d := <-f.presenter.blocks:
		assert.Equal(t, domain.ReasonAppBlocked, d.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block")
	}
}

// TestMonitor_RoutesPackageEvents verifies platform notifications reach
// the admin controller
func TestMonitor_RoutesPackageEvents(t *testing.T) {
	f := newMonitorFixture(t, nil)
	runMonitor(t, f)

	f.feed.ch <- domain.ObservationEvent{Kind: domain.PackageAdded, App: "com.new.app"}
	f.feed.ch <- domain.ObservationEvent{Kind: domain.PackageRemoved, App: "com.old.app"}
	f.feed.ch <- domain.ObservationEvent{Kind: domain.AdminDisabled}

	eventually(t, func() bool {
		added := f.admin.addedPackages()
		return len(added) == 1 && added[0] == "com.new.app" && !f.admin.AdminActive()
	}, "package/admin events never routed")
}

// TestMonitor_TamperedVerdictPersistsIncident verifies the posture loop
func TestMonitor_TamperedVerdictPersistsIncident(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.checker.verdict = domain.TamperVerdict{Rooted: true, Tampered: true}
	runMonitor(t, f)

	eventually(t, func() bool {
		return f.store.incidentCount() > 0
	}, "tamper incident never persisted")
	require.Greater(t, f.checker.callCount(), 0)
}

// TestMonitor_Heartbeats verifies the registry stays fresh
func TestMonitor_Heartbeats(t *testing.T) {
	f := newMonitorFixture(t, nil)
	runMonitor(t, f)

	eventually(t, func() bool {
		return f.registry.heartbeatCount() >= 2
	}, "heartbeats never updated")
}

// TestMonitor_FeedLossKeepsRunning verifies losing the observation feed
// degrades the monitor instead of stopping it: screen-time ticks,
// posture checks, and heartbeats continue until the context is done
func TestMonitor_FeedLossKeepsRunning(t *testing.T) {
	f := newMonitorFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.monitor.Run(ctx, "child-1")
	}()

	eventually(t, func() bool {
		return f.registry.heartbeatCount() >= 1
	}, "monitor never started")

	require.NoError(t, f.feed.Close())

	select {
	case <-done:
		t.Fatal("monitor exited after feed loss")
	case <-time.After(100 * time.Millisecond):
	}

	// The background loops keep making progress without events.
	base := f.registry.heartbeatCount()
	eventually(t, func() bool {
		return f.registry.heartbeatCount() >= base+2
	}, "heartbeats stalled after feed loss")
	eventually(t, func() bool {
		return f.checker.callCount() > 0
	}, "posture checks stopped after feed loss")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
