package artifacts

import (
	"math"
	"regexp"
	"strings"
)

// SecretMatch describes why a string was flagged as containing a secret.
type SecretMatch struct {
	Kind   string
	Reason string
}

// secretPatterns are high-confidence, structurally distinctive credential
// shapes. Order matters only for which Kind is reported first when several
// patterns match the same text.
var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`)},
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`)},
	{"generic_bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
}

// assignmentRE catches KEY=value / "key": "value" style assignments whose
// value looks like a long, high-entropy token, independent of any known
// provider's token shape.
var assignmentRE = regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|passwd|credential)\s*[:=]\s*['"]?([A-Za-z0-9+/_=.-]{20,})['"]?`)

// minSecretEntropy is the Shannon entropy (bits per character) above which
// an assignment's value is treated as a high-entropy secret rather than a
// placeholder like "changeme" or "your-api-key-here".
const minSecretEntropy = 3.0

// DetectSecret scans text for credential-shaped substrings. It returns the
// first match found, or nil if nothing looks like a secret. Detection never
// blocks storage — it only shortens TTL and gates redaction on read.
func DetectSecret(text string) *SecretMatch {
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			return &SecretMatch{Kind: p.kind, Reason: "matched known credential pattern"}
		}
	}

	for _, m := range assignmentRE.FindAllStringSubmatch(text, -1) {
		value := m[2]
		if shannonEntropy(value) >= minSecretEntropy {
			return &SecretMatch{Kind: "high_entropy_assignment", Reason: "key=value assignment with high-entropy value"}
		}
	}

	return nil
}

// shannonEntropy computes the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// redactionMarker replaces a detected secret span in fetched/searched text.
const redactionMarker = "[REDACTED]"

// RedactSecrets replaces every credential-shaped substring in text with a
// redaction marker. It is applied to artifact content on read, never on
// write: storage always keeps the raw bytes so later policy changes can
// re-derive redaction.
func RedactSecrets(text string) string {
	out := text
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, redactionMarker)
	}
	out = assignmentRE.ReplaceAllStringFunc(out, func(match string) string {
		sub := assignmentRE.FindStringSubmatch(match)
		if len(sub) < 3 {
			return match
		}
		if shannonEntropy(sub[2]) < minSecretEntropy {
			return match
		}
		return strings.Replace(match, sub[2], redactionMarker, 1)
	})
	return out
}
