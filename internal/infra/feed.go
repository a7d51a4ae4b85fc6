package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

const (
	// feedEventBuffer absorbs short bursts from the accessibility layer so
	// the bridge writer is not backpressured by one slow decision.
	feedEventBuffer = 64

	// feedAcceptBackoff paces accept retries after a listener error.
	feedAcceptBackoff = time.Second
)

// wireEvent is the line-delimited JSON shape the accessibility bridge
// writes to the feed socket.
type wireEvent struct {
	Kind string         `json:"kind"`
	App  string         `json:"app"`
	URL  string         `json:"url,omitempty"`
	Tree *domain.UINode `json:"tree,omitempty"`
}

// SocketFeed implements domain.ObservationFeed by listening on a unix
// socket that the platform accessibility bridge connects to. Malformed
// lines are logged and skipped, and a failed accept is retried with
// backoff; only Close ends the feed. A monitor without events still
// accounts screen time and checks posture, so the feed must never stop
// on its own.
type SocketFeed struct {
	socketPath    string
	events        chan domain.ObservationEvent
	logger        *zap.Logger
	acceptBackoff time.Duration

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewSocketFeed creates a feed listening on socketPath. A stale socket
// file from a previous run is removed first.
func NewSocketFeed(socketPath string, logger *zap.Logger) (*SocketFeed, error) {
	listener, err := listenFeed(socketPath)
	if err != nil {
		return nil, err
	}

	f := &SocketFeed{
		socketPath:    socketPath,
		listener:      listener,
		events:        make(chan domain.ObservationEvent, feedEventBuffer),
		logger:        logger,
		acceptBackoff: feedAcceptBackoff,
		done:          make(chan struct{}),
	}
	go f.acceptLoop()
	return f, nil
}

func listenFeed(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale feed socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on feed socket: %w", err)
	}
	return listener, nil
}

// Events delivers observation events until Close.
func (f *SocketFeed) Events() <-chan domain.ObservationEvent {
	return f.events
}

// Close unregisters the feed and closes the event channel. The active
// bridge connection is closed too, so a reader blocked mid-line does not
// delay shutdown.
func (f *SocketFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.mu.Lock()
		err = f.listener.Close()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.mu.Unlock()
	})
	return err
}

func (f *SocketFeed) acceptLoop() {
	defer close(f.events)
	for {
		f.mu.Lock()
		listener := f.listener
		f.mu.Unlock()

		conn, err := listener.Accept()
		if err == nil {
			// One bridge connection at a time; the platform reconnects
			// after a drop.
			f.readConn(conn)
			continue
		}

		select {
		case <-f.done:
			return
		default:
		}

		f.logger.Warn("feed accept failed, retrying", zap.Error(err))
		if !f.sleepOrDone(f.acceptBackoff) {
			return
		}
		if errors.Is(err, net.ErrClosed) {
			f.relisten()
		}
	}
}

// relisten replaces a dead listener. Failure is not fatal: the loop
// keeps backing off and trying again until Close.
func (f *SocketFeed) relisten() {
	listener, err := listenFeed(f.socketPath)
	if err != nil {
		f.logger.Error("failed to reopen feed socket", zap.Error(err))
		return
	}
	f.mu.Lock()
	f.listener = listener
	f.mu.Unlock()
	f.logger.Info("feed socket reopened", zap.String("path", f.socketPath))
}

func (f *SocketFeed) sleepOrDone(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.done:
		return false
	}
}

func (f *SocketFeed) readConn(conn net.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	// Close may have run between Accept and the registration above.
	select {
	case <-f.done:
		return
	default:
	}

	dec := json.NewDecoder(conn)
	for {
		var wev wireEvent
		if err := dec.Decode(&wev); err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.logger.Debug("feed connection ended", zap.Error(err))
			return
		}

		ev, ok := decodeEvent(wev)
		if !ok {
			f.logger.Warn("skipping malformed observation event", zap.String("kind", wev.Kind))
			continue
		}

		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}

func decodeEvent(wev wireEvent) (domain.ObservationEvent, bool) {
	switch domain.EventKind(wev.Kind) {
	case domain.ForegroundAppChanged:
		if wev.App == "" {
			return domain.ObservationEvent{}, false
		}
		return domain.ObservationEvent{Kind: domain.ForegroundAppChanged, App: wev.App}, true
	case domain.BrowserURLObserved:
		if wev.App == "" || wev.URL == "" {
			return domain.ObservationEvent{}, false
		}
		return domain.ObservationEvent{Kind: domain.BrowserURLObserved, App: wev.App, URL: wev.URL}, true
	case domain.SettingsContentObserved:
		if wev.App == "" || wev.Tree == nil {
			return domain.ObservationEvent{}, false
		}
		return domain.ObservationEvent{Kind: domain.SettingsContentObserved, App: wev.App, Tree: wev.Tree}, true
	case domain.PackageAdded, domain.PackageRemoved:
		if wev.App == "" {
			return domain.ObservationEvent{}, false
		}
		return domain.ObservationEvent{Kind: domain.EventKind(wev.Kind), App: wev.App}, true
	case domain.AdminEnabled, domain.AdminDisabled:
		return domain.ObservationEvent{Kind: domain.EventKind(wev.Kind)}, true
	default:
		return domain.ObservationEvent{}, false
	}
}

// Ensure SocketFeed implements domain.ObservationFeed.
var _ domain.ObservationFeed = (*SocketFeed)(nil)
