// Package scrub removes credentials and personal data from text before
// it leaves the process. Every outbound LLM payload and every persisted
// governance cache entry passes through Scrub.
package scrub

import (
	"regexp"
	"strings"
)

// Replacement markers keep scrubbed output diffable: the category is
// visible, the value is not.
const (
	maskEmail  = "[email-redacted]"
	maskIP     = "[ip-redacted]"
	maskPEM    = "[pem-redacted]"
	maskAPIKey = "[key-redacted]"
	maskSecret = "[secret-redacted]"
)

// pattern table, applied in order. PEM blocks go first so their long
// base64 bodies are not partially matched by the key patterns below.
var scrubPatterns = []struct {
	Name    string
	Pattern *regexp.Regexp
	Mask    string
}{
	{
		Name:    "pem_block",
		Pattern: regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]+-----.*?-----END [A-Z0-9 ]+-----`),
		Mask:    maskPEM,
	},
	{
		Name:    "email",
		Pattern: regexp.MustCompile(`[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+`),
		Mask:    maskEmail,
	},
	{
		Name:    "api_key_prefix",
		Pattern: regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_-]{8,}|sk-ant-[A-Za-z0-9_-]{8,}|AIza[A-Za-z0-9_-]{10,}|ghp_[A-Za-z0-9]{8,}|gho_[A-Za-z0-9]{8,}|github_pat_[A-Za-z0-9_]{8,}|xai-[A-Za-z0-9_-]{8,}|AKIA[A-Z0-9]{12,})\b`),
		Mask:    maskAPIKey,
	},
	{
		Name:    "ipv4",
		Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\b`),
		Mask:    maskIP,
	},
	{
		Name:    "ipv6",
		Pattern: regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`),
		Mask:    maskIP,
	},
	{
		Name:    "long_numeric_secret",
		Pattern: regexp.MustCompile(`\b[0-9]{17,}\b`),
		Mask:    maskSecret,
	},
}

// Scrub returns text with all recognized secret material replaced by
// category markers. Idempotent: scrubbing scrubbed text is a no-op.
func Scrub(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, p := range scrubPatterns {
		out = p.Pattern.ReplaceAllString(out, p.Mask)
	}
	return out
}

// Scrubbed reports whether Scrub changed the input, for callers that
// audit how often redaction fires.
func Scrubbed(text string) (string, bool) {
	out := Scrub(text)
	return out, out != text
}

// MaskValue masks a secret for display, keeping the first and last two
// characters of values long enough to stay unidentifiable.
func MaskValue(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}
