// Package risk classifies upstream change sets before they are pulled.
//
// The classifier is an external collaborator behind the Analyzer
// interface. The pipeline consumes only the bounded Verdict enum; any
// classifier failure degrades to VerdictUnknown, never to VerdictSafe,
// so a broken or unreachable model can only make the pipeline more
// conservative.
package risk

import (
	"fmt"
	"strings"
)

// Verdict is the risk classification of a change set.
type Verdict int

const (
	// VerdictUnknown means the classifier failed, timed out, or gave
	// an unusable answer. Treated identically to VerdictCaution.
	VerdictUnknown Verdict = iota

	// VerdictSafe means the changes are routine and may be pulled
	// without confirmation.
	VerdictSafe

	// VerdictCaution means the changes deserve a human look. Aborts
	// when running unattended; prompts otherwise.
	VerdictCaution

	// VerdictDangerous means the changes likely break the patch set
	// or the service. Always aborts before any mutation.
	VerdictDangerous
)

// String returns the canonical uppercase token.
func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "SAFE"
	case VerdictCaution:
		return "CAUTION"
	case VerdictDangerous:
		return "DANGEROUS"
	case VerdictUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseVerdict converts a token to a Verdict. Case-insensitive.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return VerdictSafe, nil
	case "CAUTION":
		return VerdictCaution, nil
	case "DANGEROUS":
		return VerdictDangerous, nil
	case "UNKNOWN":
		return VerdictUnknown, nil
	default:
		return VerdictUnknown, fmt.Errorf("unknown verdict %q", s)
	}
}

// extractVerdict scans free-form model output for a verdict token.
//
// Tokens are matched on word boundaries, most severe first, so replies
// like "NOT SAFE" or "UNSAFE" can never be read as SAFE.
func extractVerdict(reply string) (Verdict, error) {
	fields := strings.FieldsFunc(strings.ToUpper(reply), func(r rune) bool {
		return !('A' <= r && r <= 'Z')
	})

	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}

	switch {
	case present["DANGEROUS"]:
		return VerdictDangerous, nil
	case present["CAUTION"]:
		return VerdictCaution, nil
	case present["UNKNOWN"]:
		return VerdictUnknown, nil
	case present["SAFE"]:
		return VerdictSafe, nil
	}
	return VerdictUnknown, fmt.Errorf("no verdict token in reply %q", truncate(reply, 120))
}

// truncate shortens s for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
