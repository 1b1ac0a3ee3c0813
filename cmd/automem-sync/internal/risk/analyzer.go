package risk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
)

// Analyzer classifies a change set.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Analyzer interface {
	// Assess returns the verdict for the change set. On any failure
	// implementations must return VerdictUnknown alongside the error;
	// callers treat an error as UNKNOWN, never as SAFE.
	Assess(ctx context.Context, cs *gitops.ChangeSet) (Verdict, error)
}

// chatCompleter is the slice of the OpenAI client the analyzer uses.
// *openai.Client satisfies it; tests substitute a fake.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are a deployment risk classifier for a self-hosted memory service ` +
	`that carries a custom embedding-provider patch on top of its upstream. ` +
	`Given upstream commit subjects and changed files, answer with exactly one word: ` +
	`SAFE, CAUTION, or DANGEROUS. ` +
	`Changes touching the protected patch files, the embedding pipeline, the storage ` +
	`schema, or the deployment scripts are DANGEROUS. Broad refactors and dependency ` +
	`bumps are CAUTION. Documentation, tests, and isolated fixes are SAFE.`

// LLMAnalyzerConfig configures the LLM-backed analyzer.
type LLMAnalyzerConfig struct {
	// Model is the chat model name. Default: gpt-4o-mini.
	Model string

	// Timeout bounds the classification call. Default: 30s.
	Timeout time.Duration
}

// LLMAnalyzer classifies change sets with an OpenAI-compatible chat
// model.
//
// # Description
//
// The change set is rendered into a compact prompt (commit subjects,
// changed files, whether protected paths are touched) and the model is
// asked for a single verdict token. The call is bounded by the
// configured timeout; a timeout, transport error, or unparseable reply
// yields VerdictUnknown with the cause as the error. The analyzer can
// never return VerdictSafe on failure.
//
// # Thread Safety
//
// LLMAnalyzer is safe for concurrent use.
type LLMAnalyzer struct {
	client  chatCompleter
	model   string
	timeout time.Duration
}

// NewLLMAnalyzer creates an analyzer backed by the OpenAI API.
//
// The API key is read from OPENAI_API_KEY, falling back to the
// /run/secrets/openai_api_key file for containerized deployments.
// Returns an error if no key is available; callers should fall back to
// a StaticAnalyzer in that case.
func NewLLMAnalyzer(cfg LLMAnalyzerConfig) (*LLMAnalyzer, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret %s not found", secretPath)
		}
		apiKey = strings.TrimSpace(string(data))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &LLMAnalyzer{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}, nil
}

// newLLMAnalyzerWithClient is the test seam.
func newLLMAnalyzerWithClient(client chatCompleter, model string, timeout time.Duration) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, model: model, timeout: timeout}
}

// Assess classifies the change set. See LLMAnalyzer for failure
// semantics.
func (a *LLMAnalyzer) Assess(ctx context.Context, cs *gitops.ChangeSet) (Verdict, error) {
	if ctx == nil {
		return VerdictUnknown, fmt.Errorf("ctx must not be nil")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderChangeSet(cs)},
		},
		Temperature: 0,
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return VerdictUnknown, fmt.Errorf("risk classification call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return VerdictUnknown, fmt.Errorf("risk classifier returned no choices")
	}

	verdict, err := extractVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return VerdictUnknown, err
	}
	return verdict, nil
}

// renderChangeSet builds the user prompt from the change set.
func renderChangeSet(cs *gitops.ChangeSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Upstream delta: %s\n", cs.Summary())
	fmt.Fprintf(&b, "Touches protected patch files: %v\n", cs.RiskSensitive)

	if len(cs.Subjects) > 0 {
		b.WriteString("\nCommit subjects:\n")
		for _, s := range cs.Subjects {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(cs.TouchedFiles) > 0 {
		b.WriteString("\nChanged files:\n")
		for _, f := range cs.TouchedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nVerdict:")
	return b.String()
}

// StaticAnalyzer returns a fixed verdict for every change set. Used
// when no classifier is configured: the pipeline then always asks for
// confirmation (or aborts unattended) rather than pulling blind.
type StaticAnalyzer struct {
	// Verdict is returned from every Assess call.
	Verdict Verdict
}

// Assess returns the configured verdict.
func (a *StaticAnalyzer) Assess(ctx context.Context, cs *gitops.ChangeSet) (Verdict, error) {
	return a.Verdict, nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockAnalyzer is a test double for Analyzer.
type MockAnalyzer struct {
	// AssessFunc is called when Assess is invoked.
	AssessFunc func(ctx context.Context, cs *gitops.ChangeSet) (Verdict, error)

	// Calls counts Assess invocations.
	Calls int

	mu sync.Mutex
}

// Assess delegates to AssessFunc and records the call.
func (m *MockAnalyzer) Assess(ctx context.Context, cs *gitops.ChangeSet) (Verdict, error) {
	m.mu.Lock()
	m.Calls++
	fn := m.AssessFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockAnalyzer.AssessFunc not set")
	}
	return fn(ctx, cs)
}

// Compile-time interface compliance checks.
var (
	_ Analyzer = (*LLMAnalyzer)(nil)
	_ Analyzer = (*StaticAnalyzer)(nil)
	_ Analyzer = (*MockAnalyzer)(nil)
)
