package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/memapi"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// MemoryAPI is the slice of the memory-service client the verifier
// consumes. *memapi.Client satisfies it.
type MemoryAPI interface {
	Health(ctx context.Context) (*memapi.HealthDoc, error)
	Store(ctx context.Context, req memapi.StoreRequest) (string, error)
	Recall(ctx context.Context, query, tag string) (*memapi.RecallResult, error)
	Delete(ctx context.Context, id string) error
}

// Verifier runs the probe sequence against a running deployment.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Verifier interface {
	// Check runs the full ordered probe sequence. All probes run even
	// when earlier ones fail. Never returns an error; failures are
	// reported per-probe in the HealthReport.
	Check(ctx context.Context) *HealthReport

	// WaitReady polls the liveness endpoint with backoff until the
	// service is live or the wait budget is exhausted. Returns
	// ErrNotReady (wrapped) on exhaustion.
	WaitReady(ctx context.Context) error
}

// Config configures a ServiceVerifier.
type Config struct {
	// Stores lists the backing stores expected in the health document,
	// e.g. ["falkordb", "qdrant"]. One probe per store.
	Stores []string

	// ExpectedProvider is the prefix the active embedding provider
	// must carry, e.g. "gemini". Empty skips the activation probe.
	ExpectedProvider string

	// CompanionURL is the companion service liveness endpoint,
	// e.g. the deploy webhook's /health. Empty skips the probe.
	CompanionURL string

	// SyntheticAttempts bounds the recall retries of the synthetic
	// probe. Default: 5.
	SyntheticAttempts int

	// SyntheticBackoff is the fixed delay between recall attempts.
	// Default: 2s.
	SyntheticBackoff time.Duration

	// ReadyMaxWait bounds WaitReady. Default: 120s.
	ReadyMaxWait time.Duration

	// ReadyInterval is the initial WaitReady polling interval, grown
	// exponentially to ReadyMaxInterval. Defaults: 1s / 10s.
	ReadyInterval    time.Duration
	ReadyMaxInterval time.Duration
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if c.SyntheticAttempts <= 0 {
		c.SyntheticAttempts = 5
	}
	if c.SyntheticBackoff <= 0 {
		c.SyntheticBackoff = 2 * time.Second
	}
	if c.ReadyMaxWait <= 0 {
		c.ReadyMaxWait = 120 * time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = time.Second
	}
	if c.ReadyMaxInterval <= 0 {
		c.ReadyMaxInterval = 10 * time.Second
	}
}

// ServiceVerifier is the production Verifier.
//
// # Probe Order
//
//  1. liveness: the service health document reports "healthy"/"ok"
//  2. store:<name>: each declared backing store reports connected
//  3. feature-activation: the active embedding provider matches the
//     expected one, confirming the patch is live at runtime rather
//     than merely present in source
//  4. synthetic-write-read: store a uniquely tagged memory, poll
//     recall until it is retrievable, then delete it
//  5. companion-liveness: advisory check of the companion service
//
// The health document and the companion endpoint are fetched
// concurrently; probe evaluation and the synthetic probe stay strictly
// ordered.
type ServiceVerifier struct {
	api    MemoryAPI
	cfg    Config
	logger *logging.Logger
	client *http.Client
}

// NewServiceVerifier creates a verifier for one deployment.
func NewServiceVerifier(api MemoryAPI, cfg Config, logger *logging.Logger) *ServiceVerifier {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &ServiceVerifier{
		api:    api,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Check runs the probe sequence. See ServiceVerifier for the order.
func (v *ServiceVerifier) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{}

	var (
		doc          *memapi.HealthDoc
		docErr       error
		companion    ProbeResult
		hasCompanion = v.cfg.CompanionURL != ""
	)

	// The health document and the companion endpoint are independent
	// network fetches; overlap them.
	var g errgroup.Group
	g.Go(func() error {
		doc, docErr = v.api.Health(ctx)
		return nil
	})
	if hasCompanion {
		g.Go(func() error {
			companion = v.probeCompanion(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report.Probes = append(report.Probes, v.probeLiveness(doc, docErr))
	for _, store := range v.cfg.Stores {
		report.Probes = append(report.Probes, v.probeStore(doc, docErr, store))
	}
	if v.cfg.ExpectedProvider != "" {
		report.Probes = append(report.Probes, v.probeActivation(doc, docErr))
	}
	report.Probes = append(report.Probes, v.probeSynthetic(ctx))
	if hasCompanion {
		report.Probes = append(report.Probes, companion)
	}

	for _, p := range report.Probes {
		if p.Passed {
			v.logger.Debug("probe passed", "probe", p.Name, "duration", p.Duration)
		} else if p.Fatal {
			v.logger.Error("probe failed", "probe", p.Name, "detail", p.Detail)
		} else {
			v.logger.Warn("companion probe failed", "probe", p.Name, "detail", p.Detail)
		}
	}

	return report
}

// WaitReady polls the health endpoint with exponential backoff and
// jitter until the service is live.
func (v *ServiceVerifier) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ReadyMaxWait)
	defer cancel()

	interval := v.cfg.ReadyInterval
	start := time.Now()
	attempt := 0

	for {
		attempt++
		doc, err := v.api.Health(ctx)
		if err == nil && doc.Live() {
			v.logger.Info("service ready", "attempts", attempt, "elapsed", time.Since(start))
			return nil
		}

		detail := "not live"
		if err != nil {
			detail = err.Error()
		}
		v.logger.Debug("service not ready yet", "attempt", attempt, "detail", detail)

		if sleepErr := sleepWithContext(ctx, applyJitter(interval)); sleepErr != nil {
			return fmt.Errorf("%w after %d attempt(s) in %s: last status: %s",
				ErrNotReady, attempt, time.Since(start).Round(time.Second), detail)
		}
		interval = nextInterval(interval, v.cfg.ReadyMaxInterval, 1.5)
	}
}

// probeLiveness checks the health document status field.
func (v *ServiceVerifier) probeLiveness(doc *memapi.HealthDoc, docErr error) ProbeResult {
	p := ProbeResult{Name: ProbeLiveness, Fatal: true}
	switch {
	case docErr != nil:
		p.Detail = fmt.Sprintf("health endpoint unreachable: %v", docErr)
	case !doc.Live():
		p.Detail = fmt.Sprintf("status %q is not live", doc.Status)
	default:
		p.Passed = true
		p.Detail = doc.Status
	}
	return p
}

// probeStore checks one backing store's reported connectivity.
func (v *ServiceVerifier) probeStore(doc *memapi.HealthDoc, docErr error, store string) ProbeResult {
	p := ProbeResult{Name: ProbeStore + ":" + store, Fatal: true}
	if docErr != nil {
		p.Detail = fmt.Sprintf("health endpoint unreachable: %v", docErr)
		return p
	}

	state, ok := doc.Dependencies[store]
	if !ok {
		p.Detail = fmt.Sprintf("store %q not reported in health document", store)
		return p
	}
	switch strings.ToLower(state) {
	case "connected", "ok", "healthy", "up":
		p.Passed = true
		p.Detail = state
	default:
		p.Detail = fmt.Sprintf("store %q reports %q", store, state)
	}
	return p
}

// probeActivation confirms the patched provider is the active one.
func (v *ServiceVerifier) probeActivation(doc *memapi.HealthDoc, docErr error) ProbeResult {
	p := ProbeResult{Name: ProbeActivation, Fatal: true}
	if docErr != nil {
		p.Detail = fmt.Sprintf("health endpoint unreachable: %v", docErr)
		return p
	}

	active := doc.EmbeddingProvider
	if active == "" {
		p.Detail = "service does not report an embedding provider"
		return p
	}
	if !strings.HasPrefix(strings.ToLower(active), strings.ToLower(v.cfg.ExpectedProvider)) {
		p.Detail = fmt.Sprintf("active provider %q, expected prefix %q", active, v.cfg.ExpectedProvider)
		return p
	}
	p.Passed = true
	p.Detail = active
	return p
}

// probeSynthetic writes a uniquely tagged memory, polls recall until it
// is retrievable, and deletes it.
func (v *ServiceVerifier) probeSynthetic(ctx context.Context) ProbeResult {
	p := ProbeResult{Name: ProbeSynthetic, Fatal: true}
	start := time.Now()
	defer func() { p.Duration = time.Since(start) }()

	probeID := uuid.NewString()
	tag := "automem-sync-probe-" + probeID
	content := fmt.Sprintf("deployment verification probe %s", probeID)

	id, err := v.api.Store(ctx, memapi.StoreRequest{
		Content:    content,
		Tags:       []string{tag},
		Importance: 0.1,
	})
	if err != nil {
		p.Detail = fmt.Sprintf("write failed: %v", err)
		return p
	}

	found := false
	var lastErr error
	for attempt := 1; attempt <= v.cfg.SyntheticAttempts; attempt++ {
		res, err := v.api.Recall(ctx, content, tag)
		if err != nil {
			lastErr = err
		} else {
			for _, m := range res.Memories {
				if m.ID == id {
					found = true
					break
				}
			}
			// Some service versions omit ids on recall; a non-empty
			// match on the unique tag still proves the write path.
			if !found && res.Count > 0 {
				found = true
			}
		}
		if found {
			break
		}
		if attempt < v.cfg.SyntheticAttempts {
			if err := sleepWithContext(ctx, v.cfg.SyntheticBackoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	// Clean up regardless of the read-back result; leaking probe
	// records pollutes recall results of real queries.
	deleteErr := v.api.Delete(ctx, id)

	if !found {
		detail := fmt.Sprintf("record %s not retrievable after %d attempt(s)", id, v.cfg.SyntheticAttempts)
		if lastErr != nil {
			detail += fmt.Sprintf(" (last error: %v)", lastErr)
		}
		p.Detail = detail
		return p
	}

	p.Passed = true
	p.Detail = fmt.Sprintf("write/read verified (%s)", id)
	if deleteErr != nil {
		p.Detail += fmt.Sprintf("; cleanup failed: %v", deleteErr)
	}
	return p
}

// probeCompanion checks the companion service endpoint. Non-fatal.
func (v *ServiceVerifier) probeCompanion(ctx context.Context) ProbeResult {
	p := ProbeResult{Name: ProbeCompanion, Fatal: false}
	start := time.Now()
	defer func() { p.Duration = time.Since(start) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.CompanionURL, nil)
	if err != nil {
		p.Detail = fmt.Sprintf("building request: %v", err)
		return p
	}
	resp, err := v.client.Do(req)
	if err != nil {
		p.Detail = fmt.Sprintf("unreachable: %v", err)
		return p
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		return p
	}
	p.Passed = true
	p.Detail = "ok"
	return p
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockVerifier is a test double for Verifier.
type MockVerifier struct {
	// CheckFunc is called when Check is invoked.
	CheckFunc func(ctx context.Context) *HealthReport

	// WaitReadyFunc is called when WaitReady is invoked.
	WaitReadyFunc func(ctx context.Context) error

	// Calls records method invocations in order.
	Calls []string

	mu sync.Mutex
}

// Check delegates to CheckFunc and records the call.
func (m *MockVerifier) Check(ctx context.Context) *HealthReport {
	m.record("Check")
	if m.CheckFunc == nil {
		panic("MockVerifier.CheckFunc not set")
	}
	return m.CheckFunc(ctx)
}

// WaitReady delegates to WaitReadyFunc and records the call.
func (m *MockVerifier) WaitReady(ctx context.Context) error {
	m.record("WaitReady")
	if m.WaitReadyFunc == nil {
		panic("MockVerifier.WaitReadyFunc not set")
	}
	return m.WaitReadyFunc(ctx)
}

func (m *MockVerifier) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
}

// GetCalls returns a copy of the recorded method names.
func (m *MockVerifier) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance checks.
var (
	_ Verifier  = (*ServiceVerifier)(nil)
	_ Verifier  = (*MockVerifier)(nil)
	_ MemoryAPI = (*memapi.Client)(nil)
)
