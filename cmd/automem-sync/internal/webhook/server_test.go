package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/manifest"
)

const testSecret = "test-webhook-secret"

// mockRunner is a scripted pipeline for handler tests.
type mockRunner struct {
	syncFunc  func(ctx context.Context) (*controller.DeploymentAttempt, error)
	checkFunc func(ctx context.Context) (*controller.CheckResult, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockRunner) Sync(ctx context.Context) (*controller.DeploymentAttempt, error) {
	m.record("Sync")
	return m.syncFunc(ctx)
}

func (m *mockRunner) Check(ctx context.Context) (*controller.CheckResult, error) {
	m.record("Check")
	return m.checkFunc(ctx)
}

func (m *mockRunner) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func successAttempt() *controller.DeploymentAttempt {
	return &controller.DeploymentAttempt{
		RunID:   "run-1",
		Outcome: controller.OutcomeSuccess,
		Reason:  "deployed",
	}
}

func newTestServer(runner Runner) *Server {
	return NewServer(Config{Secret: testSecret}, runner, nil)
}

func doRequest(s *Server, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&mockRunner{})

	rec := doRequest(s, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "automem-sync-webhook", body["service"])
}

func TestServer_Deploy_SecretHeader(t *testing.T) {
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			return successAttempt(), nil
		},
	}
	s := newTestServer(runner)

	rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
		map[string]string{"X-Webhook-Secret": testSecret})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SUCCESS", body["outcome"])
	assert.Equal(t, []string{"Sync"}, runner.calls)
}

func TestServer_Deploy_HMACSignature(t *testing.T) {
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			return successAttempt(), nil
		},
	}
	s := newTestServer(runner)
	payload := `{"action":"deploy"}`

	rec := doRequest(s, http.MethodPost, "/deploy", payload,
		map[string]string{"X-Hub-Signature-256": signBody(payload)})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Deploy_Unauthorized(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no credentials", nil},
		{"wrong secret", map[string]string{"X-Webhook-Secret": "guess"}},
		{"wrong signature", map[string]string{"X-Hub-Signature-256": "sha256=" + strings.Repeat("0", 64)}},
		{"signature over different body", map[string]string{"X-Hub-Signature-256": signBody("other")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			s := newTestServer(runner)

			rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`, tt.headers)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, runner.calls, "an unauthorized request must not trigger a run")
			assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.unauthorized))
		})
	}
}

func TestServer_Deploy_NoSecretConfigured(t *testing.T) {
	s := NewServer(Config{}, &mockRunner{}, nil)

	rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
		map[string]string{"X-Webhook-Secret": ""})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Deploy_EmptyBodyDefaultsToDeploy(t *testing.T) {
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			return successAttempt(), nil
		},
	}
	s := newTestServer(runner)

	rec := doRequest(s, http.MethodPost, "/deploy", "",
		map[string]string{"X-Webhook-Secret": testSecret})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Sync"}, runner.calls)
}

func TestServer_Deploy_UnknownAction(t *testing.T) {
	s := newTestServer(&mockRunner{})

	rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"restart"}`,
		map[string]string{"X-Webhook-Secret": testSecret})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Deploy_CheckAction(t *testing.T) {
	runner := &mockRunner{
		checkFunc: func(ctx context.Context) (*controller.CheckResult, error) {
			return &controller.CheckResult{
				ChangeSet: &gitops.ChangeSet{
					BaseRevision:   "aaa",
					TargetRevision: "bbb",
					CommitCount:    4,
					RiskSensitive:  true,
				},
				Integrity: manifest.IntegrityReport{Passed: true},
			}, nil
		},
	}
	s := newTestServer(runner)

	rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"check"}`,
		map[string]string{"X-Webhook-Secret": testSecret})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(4), body["commits_behind"])
	assert.Equal(t, true, body["risk_sensitive"])
	assert.Equal(t, true, body["integrity_passed"])
	assert.Equal(t, []string{"Check"}, runner.calls)
}

func TestServer_Deploy_FailedOutcomeReturns409(t *testing.T) {
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			return &controller.DeploymentAttempt{
				RunID:   "run-2",
				Outcome: controller.OutcomeRolledBack,
				Reason:  "health verification failed",
			}, errors.New("deployment rolled back")
		},
	}
	s := newTestServer(runner)

	rec := doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
		map[string]string{"X-Webhook-Secret": testSecret})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.failed))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ROLLED_BACK", body["outcome"])
}

func TestServer_Deploy_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			close(started)
			<-release
			return successAttempt(), nil
		},
	}
	s := newTestServer(runner)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
			map[string]string{"X-Webhook-Secret": testSecret})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first deploy never started")
	}

	second := doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
		map[string]string{"X-Webhook-Secret": testSecret})
	assert.Equal(t, http.StatusConflict, second.Code)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestServer_Metrics_Exposed(t *testing.T) {
	runner := &mockRunner{
		syncFunc: func(ctx context.Context) (*controller.DeploymentAttempt, error) {
			return successAttempt(), nil
		},
	}
	s := newTestServer(runner)
	doRequest(s, http.MethodPost, "/deploy", `{"action":"deploy"}`,
		map[string]string{"X-Webhook-Secret": testSecret})

	rec := doRequest(s, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "automem_sync_webhook_requests_total 1")
	assert.Contains(t, rec.Body.String(), "automem_sync_webhook_in_flight 0")
}

func TestServer_Run_GracefulShutdown(t *testing.T) {
	s := NewServer(Config{Port: 39093, Secret: testSecret, ShutdownGrace: time.Second}, &mockRunner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
