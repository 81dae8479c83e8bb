package ml

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// PatternFeatureCount is the width of the fit-independent signature block.
const PatternFeatureCount = 12

// PatternFeatureNames labels the signature block in vector order.
var PatternFeatureNames = [PatternFeatureCount]string{
	"sql_count", "sql_flag",
	"xss_count", "xss_flag",
	"rce_count", "rce_flag",
	"traversal_count", "traversal_flag",
	"text_length", "slash_count", "dot_count", "special_char_count",
}

// SignatureFamily is a named group of case-insensitive threat signatures.
type SignatureFamily struct {
	Name     string
	patterns []*regexp.Regexp
}

func newFamily(name string, exprs ...string) *SignatureFamily {
	f := &SignatureFamily{Name: name}
	for _, expr := range exprs {
		f.patterns = append(f.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	return f
}

// Count sums the non-overlapping matches of every signature in text.
func (f *SignatureFamily) Count(text string) int {
	n := 0
	for _, re := range f.patterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

// Patterns returns the signature expressions without the case flag.
func (f *SignatureFamily) Patterns() []string {
	out := make([]string, len(f.patterns))
	for i, re := range f.patterns {
		out[i] = strings.TrimPrefix(re.String(), `(?i)`)
	}
	return out
}

// Signature library.
var (
	SQLInjectionSignatures = newFamily("sql_injection",
		`union\s+select`, `or\s+1\s*=\s*1`, `'\s*or\s*'`,
		`;\s*drop\s+table`, `--\s*$`, `/\*.*\*/`,
		`benchmark\s*\(`, `sleep\s*\(`, `load_file\s*\(`,
	)
	XSSSignatures = newFamily("xss",
		`<script`, `javascript:`, `onerror\s*=`,
		`onload\s*=`, `onclick\s*=`, `eval\s*\(`,
	)
	RCESignatures = newFamily("rce",
		`;\s*cat\s+`, `\|\s*cat\s+`, "`.*`",
		`\$\(.*\)`, `/bin/sh`, `/bin/bash`,
		`nc\s+-`, `wget\s+`, `curl\s+`,
	)
	TraversalSignatures = newFamily("path_traversal",
		`\.\./`, `\.\.\\`, `%2e%2e`, `etc/passwd`,
	)

	specialChars = regexp.MustCompile(`[<>"']`)
)

// payloadText joins the non-empty free-text fields and lowercases them.
func payloadText(r models.AttackRecord) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{r.Command, r.Path, r.QueryString, r.Body, r.UserAgent} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// PatternFeatures computes the signature block for one record.
func PatternFeatures(r models.AttackRecord) [PatternFeatureCount]float64 {
	var f [PatternFeatureCount]float64
	text := payloadText(r)

	for i, fam := range []*SignatureFamily{SQLInjectionSignatures, XSSSignatures, RCESignatures, TraversalSignatures} {
		n := fam.Count(text)
		f[2*i] = float64(n)
		if n > 0 {
			f[2*i+1] = 1
		}
	}

	f[8] = float64(utf8.RuneCountInString(text))
	f[9] = float64(strings.Count(text, "/"))
	f[10] = float64(strings.Count(text, "."))
	f[11] = float64(len(specialChars.FindAllStringIndex(text, -1)))
	return f
}
