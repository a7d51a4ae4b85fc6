//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/daemon"
	"github.com/YasinmkDev/IPE-Project-app/internal/infra"
	"github.com/YasinmkDev/IPE-Project-app/internal/policy"
	"github.com/YasinmkDev/IPE-Project-app/internal/security"
	"github.com/YasinmkDev/IPE-Project-app/internal/usecase"
)

// bridgeOp is one decoded command received by the fake platform bridge.
type bridgeOp struct {
	Op      string `json:"op"`
	Package string `json:"package"`
	Value   bool   `json:"value"`
	Reason  string `json:"reason"`
	URL     string `json:"url"`
	Label   string `json:"label"`
}

// fakeBridge accepts one-shot command connections the way the platform
// bridge does and records every operation.
type fakeBridge struct {
	listener net.Listener

	mu  sync.Mutex
	ops []bridgeOp
}

func startFakeBridge(socketPath string) (*fakeBridge, error) {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	b := &fakeBridge{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	return b, nil
}

func (b *fakeBridge) serve(conn net.Conn) {
	defer conn.Close()
	var op bridgeOp
	if err := json.NewDecoder(conn).Decode(&op); err != nil {
		return
	}
	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.mu.Unlock()

	switch op.Op {
	case "installed_apps":
		fmt.Fprintln(conn, `{"ok":true,"data":[{"packageName":"com.duolingo","appName":"Duolingo","versionName":"5.0","versionCode":500,"isSystemApp":false}]}`)
	case "app_label":
		fmt.Fprintf(conn, `{"ok":true,"data":%q}`+"\n", op.Package)
	default:
		fmt.Fprintln(conn, `{"ok":true}`)
	}
}

func (b *fakeBridge) Close() { b.listener.Close() }

// received reports whether an operation matching op and pkg has arrived.
// An empty pkg matches any package.
func (b *fakeBridge) received(op, pkg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, got := range b.ops {
		if got.Op == op && (pkg == "" || got.Package == pkg) {
			return true
		}
	}
	return false
}

func (b *fakeBridge) lastBlock() (bridgeOp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.ops) - 1; i >= 0; i-- {
		if b.ops[i].Op == "show_block" {
			return b.ops[i], true
		}
	}
	return bridgeOp{}, false
}

// fakeProfileStore is an in-memory stand-in for the remote profile
// store's JSON API.
type fakeProfileStore struct {
	mu       sync.Mutex
	blocked  []string
	sites    []string
	revision int64

	server *httptest.Server
}

func startFakeProfileStore() *fakeProfileStore {
	s := &fakeProfileStore{revision: 1}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /children/child-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"childId":          "child-1",
			"parentId":         "parent-1",
			"age":              10,
			"blockedApps":      s.blocked,
			"blockedWebsites":  s.sites,
			"protectionActive": true,
			"revision":         s.revision,
		})
	})
	mux.HandleFunc("PUT /children/child-1/apps", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.server = httptest.NewServer(mux)
	return s
}

func (s *fakeProfileStore) update(blocked, sites []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = blocked
	s.sites = sites
	s.revision++
}

var _ = Describe("Monitor Pipeline", func() {
	var (
		tmpDir   string
		bridge   *fakeBridge
		store    *fakeProfileStore
		stateDB  *infra.EncryptedStateStore
		feedConn net.Conn
		cancel   context.CancelFunc
		done     chan struct{}
	)

	sendEvent := func(ev map[string]any) {
		err := json.NewEncoder(feedConn).Encode(ev)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "guardian-integration-*")
		Expect(err).NotTo(HaveOccurred())

		bridge, err = startFakeBridge(filepath.Join(tmpDir, "cmd.sock"))
		Expect(err).NotTo(HaveOccurred())

		store = startFakeProfileStore()

		key := make([]byte, 32)
		for i := range key {
			key[i] = byte(i)
		}
		stateDB, err = infra.NewEncryptedStateStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(stateDB.SetChildID("child-1")).To(Succeed())
		Expect(stateDB.SetAdminGranted(true)).To(Succeed())

		logger := zap.NewNop()
		profiles := policy.MustLoad()

		cfg := daemon.DefaultConfig()
		cfg.TickInterval = 50 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond
		// Posture probes touch the real host; keep them out of the loop.
		cfg.PostureInterval = time.Hour

		bridgeClient := infra.NewBridgeClient(filepath.Join(tmpDir, "cmd.sock"), logger)
		deviceBridge := infra.NewSocketDeviceBridge(bridgeClient, logger)
		presenter := infra.NewBridgePresenter(bridgeClient, logger)
		admin := infra.NewDeviceAdminController(deviceBridge, stateDB, logger)
		registry := infra.NewFileRegistryWithPath(filepath.Join(tmpDir, ".registry"))
		client := infra.NewHTTPPolicyClientWithPoll(store.server.URL, profiles, 20*time.Millisecond, logger)
		checker := security.NewChecker("", logger)

		feedSock := filepath.Join(tmpDir, "feed.sock")
		feed, err := infra.NewSocketFeed(feedSock, logger)
		Expect(err).NotTo(HaveOccurred())

		engine := usecase.NewEngine("com.guardian.agent", "Guardian",
			profiles, presenter, admin, stateDB, logger)

		monitor := daemon.NewMonitor(cfg, engine, feed, checker, registry,
			client, admin, deviceBridge, "integration", logger)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer close(done)
			_ = monitor.Run(ctx, "child-1")
		}()

		Eventually(func() (net.Conn, error) {
			var dialErr error
			feedConn, dialErr = net.Dial("unix", feedSock)
			return feedConn, dialErr
		}, 2*time.Second, 20*time.Millisecond).ShouldNot(BeNil())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(BeClosed())
		if feedConn != nil {
			feedConn.Close()
		}
		bridge.Close()
		store.server.Close()
		stateDB.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Foreground enforcement", func() {
		Context("when a blocked app comes to the foreground", func() {
			It("shows the block overlay", func() {
				store.update([]string{"com.zhiliaoapp.musically"}, nil)

				// Wait for the subscription poll to pick up the new revision.
				Eventually(func() bool {
					return bridge.received("set_app_hidden", "com.zhiliaoapp.musically")
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

				sendEvent(map[string]any{
					"kind": "foreground_app_changed",
					"app":  "com.zhiliaoapp.musically",
				})

				Eventually(func() bool {
					op, ok := bridge.lastBlock()
					return ok && op.Reason == "app_blocked" && op.Package == "com.zhiliaoapp.musically"
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())
			})
		})

		Context("when an allowed app comes to the foreground", func() {
			It("does not interrupt", func() {
				sendEvent(map[string]any{
					"kind": "foreground_app_changed",
					"app":  "com.duolingo",
				})

				Consistently(func() bool {
					_, ok := bridge.lastBlock()
					return ok
				}, 500*time.Millisecond, 50*time.Millisecond).Should(BeFalse())
			})
		})
	})

	Describe("Browser enforcement", func() {
		Context("when a blocked site renders in a watched browser", func() {
			It("blocks with the offending URL", func() {
				// The sentinel app makes the policy pickup observable on the
				// bridge before any URL is sent.
				store.update([]string{"com.sentinel.app"}, []string{"gambling-site.com"})
				Eventually(func() bool {
					return bridge.received("set_app_hidden", "com.sentinel.app")
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

				sendEvent(map[string]any{
					"kind": "foreground_app_changed",
					"app":  "com.android.chrome",
				})
				sendEvent(map[string]any{
					"kind": "browser_url_observed",
					"app":  "com.android.chrome",
					"url":  "https://www.gambling-site.com/slots",
				})

				Eventually(func() bool {
					op, ok := bridge.lastBlock()
					return ok && op.Reason == "site_blocked" &&
						op.URL == "https://www.gambling-site.com/slots"
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())
			})
		})
	})

	Describe("Policy updates", func() {
		Context("when the profile revision changes", func() {
			It("applies restrictions for newly blocked apps", func() {
				store.update([]string{"com.newly.blocked"}, nil)

				Eventually(func() bool {
					return bridge.received("set_app_hidden", "com.newly.blocked") &&
						bridge.received("set_uninstall_blocked", "com.newly.blocked")
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

				Eventually(func() ([]string, error) {
					return stateDB.BlockedApps()
				}, 5*time.Second, 20*time.Millisecond).Should(ContainElement("com.newly.blocked"))
			})
		})

		Context("when a blocked package is reinstalled", func() {
			It("re-applies its restrictions", func() {
				store.update([]string{"com.newly.blocked"}, nil)
				Eventually(func() bool {
					return bridge.received("set_app_hidden", "com.newly.blocked")
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

				sendEvent(map[string]any{
					"kind": "package_added",
					"app":  "com.newly.blocked",
				})

				Eventually(func() bool {
					return bridge.received("set_uninstall_blocked", "com.newly.blocked")
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())
			})
		})
	})

	Describe("Startup", func() {
		It("registers the monitor and uploads the app inventory", func() {
			Eventually(func() bool {
				return bridge.received("installed_apps", "")
			}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

			registry := infra.NewFileRegistryWithPath(filepath.Join(tmpDir, ".registry"))
			Eventually(func() bool {
				state, err := registry.Get()
				return err == nil && state != nil && state.ChildID == "child-1"
			}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

			alive, err := registry.IsAlive()
			Expect(err).NotTo(HaveOccurred())
			Expect(alive).To(BeTrue())
		})
	})
})
