package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
	"github.com/YasinmkDev/IPE-Project-app/internal/policy"
)

const (
	httpTimeout = 30 * time.Second

	// Subscription polling.
	defaultPollInterval = 15 * time.Second
	subMaxRetries       = 3
	subInitialBackoff   = 1 * time.Second
	subMaxBackoff       = 30 * time.Second
)

// childDocument is the remote profile document shape, keyed by child
// identifier.
type childDocument struct {
	ChildID           string   `json:"childId"`
	ParentID          string   `json:"parentId"`
	Age               int      `json:"age"`
	BlockedApps       []string `json:"blockedApps"`
	BlockedWebsites   []string `json:"blockedWebsites"`
	AllowedApps       []string `json:"allowedApps"`
	AllowedWebsites   []string `json:"allowedWebsites"`
	StorageRestricted bool     `json:"storageRestricted"`
	ProtectionActive  bool     `json:"protectionActive"`
	Revision          int64    `json:"revision"`
}

// pairingDocument is the pairing-code lookup record.
type pairingDocument struct {
	ChildID  string `json:"childId"`
	ParentID string `json:"parentId"`
}

// HTTPPolicyClient implements domain.PolicyClient against the remote
// profile store's JSON API. FetchProfile performs no retries (the
// contract leaves re-fetching to the caller); only the long-lived
// subscription reconnects, with backoff.
type HTTPPolicyClient struct {
	baseURL      string
	httpClient   *http.Client
	profiles     *policy.Profiles
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewHTTPPolicyClient creates a client for the given store base URL.
func NewHTTPPolicyClient(baseURL string, profiles *policy.Profiles, logger *zap.Logger) *HTTPPolicyClient {
	return &HTTPPolicyClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: httpTimeout},
		profiles:     profiles,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// NewHTTPPolicyClientWithPoll creates a client with a custom poll
// interval (for testing).
func NewHTTPPolicyClientWithPoll(baseURL string, profiles *policy.Profiles, poll time.Duration, logger *zap.Logger) *HTTPPolicyClient {
	c := NewHTTPPolicyClient(baseURL, profiles, logger)
	c.pollInterval = poll
	return c
}

// FetchProfile fetches and normalizes the profile once.
func (c *HTTPPolicyClient) FetchProfile(ctx context.Context, childID string) (*domain.Policy, error) {
	doc, err := c.fetchDocument(ctx, childID)
	if err != nil {
		return nil, err
	}
	return c.normalize(doc), nil
}

func (c *HTTPPolicyClient) fetchDocument(ctx context.Context, childID string) (*childDocument, error) {
	url := fmt.Sprintf("%s/children/%s", c.baseURL, childID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrProfileNotFound
	default:
		return nil, fmt.Errorf("profile fetch failed: status %d", resp.StatusCode)
	}

	var doc childDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode profile document: %w", err)
	}
	return &doc, nil
}

// normalize converts a remote document into an immutable Policy
// snapshot. The screen-time budget comes from the age profile table, as
// the store does not carry one; the age group's defaults fill anything
// the document omits.
func (c *HTTPPolicyClient) normalize(doc *childDocument) *domain.Policy {
	group := domain.AgeGroupFromAge(doc.Age)

	blocked := make(map[string]struct{}, len(doc.BlockedApps))
	for _, pkg := range doc.BlockedApps {
		if pkg != "" {
			blocked[pkg] = struct{}{}
		}
	}

	fragments := make([]string, 0, len(doc.BlockedWebsites))
	for _, site := range doc.BlockedWebsites {
		if site != "" {
			fragments = append(fragments, site)
		}
	}

	prof := c.profiles.ForGroup(group)
	storageRestricted := doc.StorageRestricted || !prof.AllowStorageAccess

	return &domain.Policy{
		ChildID:                 doc.ChildID,
		BlockedApps:             blocked,
		BlockedSiteFragments:    fragments,
		AgeGroup:                group,
		ScreenTimeBudgetMinutes: c.profiles.ScreenTimeDefault(group),
		StorageRestricted:       storageRestricted,
		ProtectionActive:        doc.ProtectionActive,
		Revision:                doc.Revision,
	}
}

// httpSubscription is the poll-based subscription handle.
type httpSubscription struct {
	updates chan *domain.Policy
	errs    chan error
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *httpSubscription) Updates() <-chan *domain.Policy { return s.updates }
func (s *httpSubscription) Errors() <-chan error           { return s.errs }

func (s *httpSubscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe opens a poll-based subscription delivering a full
// replacement Policy whenever the document revision changes. Transient
// poll failures are retried with backoff and then surfaced on the error
// channel; the consumer keeps its last-known-good snapshot either way.
func (c *HTTPPolicyClient) Subscribe(ctx context.Context, childID string) (domain.PolicySubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &httpSubscription{
		updates: make(chan *domain.Policy, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
	}

	go c.pollLoop(subCtx, childID, sub)
	return sub, nil
}

func (c *HTTPPolicyClient) pollLoop(ctx context.Context, childID string, sub *httpSubscription) {
	defer close(sub.updates)
	defer close(sub.errs)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastRevision int64 = -1
	for {
		doc, err := c.pollDocument(ctx, childID)
		if err != nil {
			select {
			case sub.errs <- err:
			default: // consumer lagging, drop rather than wedge
			}
		} else if doc.Revision != lastRevision {
			lastRevision = doc.Revision
			p := c.normalize(doc)
			select {
			case sub.updates <- p:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// pollDocument fetches once and retries with backoff only on transport
// failures. A not-found answer is definitive for this poll: retrying it
// would burn the backoff budget on a document that is simply absent.
func (c *HTTPPolicyClient) pollDocument(ctx context.Context, childID string) (*childDocument, error) {
	doc, err := c.fetchDocument(ctx, childID)
	if err == nil || errors.Is(err, domain.ErrProfileNotFound) || ctx.Err() != nil {
		return doc, err
	}

	return retry.DoWithData(func() (*childDocument, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.fetchDocument(ctx, childID)
	},
		retry.Attempts(subMaxRetries),
		retry.Delay(subInitialBackoff),
		retry.MaxDelay(subMaxBackoff),
	)
}

// ResolvePairingCode resolves a short pairing code to its link pair.
// This previews eligibility only; it never marks the device linked.
func (c *HTTPPolicyClient) ResolvePairingCode(ctx context.Context, code string) (domain.PairLink, error) {
	url := fmt.Sprintf("%s/pairing/%s", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PairLink{}, fmt.Errorf("failed to build pairing request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PairLink{}, fmt.Errorf("pairing lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.PairLink{}, domain.ErrCodeNotFound
	default:
		return domain.PairLink{}, fmt.Errorf("pairing lookup failed: status %d", resp.StatusCode)
	}

	var doc pairingDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return domain.PairLink{}, fmt.Errorf("failed to decode pairing document: %w", err)
	}
	return domain.PairLink{ChildID: doc.ChildID, ParentID: doc.ParentID}, nil
}

// MarkDeviceLinked commits the pairing with an idempotent write.
func (c *HTTPPolicyClient) MarkDeviceLinked(ctx context.Context, childID, parentID string) error {
	url := fmt.Sprintf("%s/children/%s/link", c.baseURL, childID)
	body, err := json.Marshal(map[string]string{"parentId": parentID})
	if err != nil {
		return fmt.Errorf("failed to encode link request: %w", err)
	}
	return c.put(ctx, url, body, "mark linked")
}

// UploadInstalledApps replaces the remote installed-app inventory
// wholesale: the store deletes the collection and inserts this list.
func (c *HTTPPolicyClient) UploadInstalledApps(ctx context.Context, childID string, apps []domain.InstalledApp) error {
	url := fmt.Sprintf("%s/children/%s/apps", c.baseURL, childID)
	body, err := json.Marshal(apps)
	if err != nil {
		return fmt.Errorf("failed to encode app inventory: %w", err)
	}
	return c.put(ctx, url, body, "upload apps")
}

func (c *HTTPPolicyClient) put(ctx context.Context, url string, body []byte, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s failed: status %d", op, resp.StatusCode)
	}
	return nil
}

// Ensure HTTPPolicyClient implements domain.PolicyClient.
var _ domain.PolicyClient = (*HTTPPolicyClient)(nil)
