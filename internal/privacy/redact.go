// Package privacy redacts secrets from attacker payloads before they leave
// the process on the event feed or external sinks.
//
// Honeypot traffic routinely carries credentials: brute-forced passwords,
// leaked cloud keys pasted into shells, tokens in query strings. Redactor
// finds these and replaces them according to a Mode.
package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cvalentine99/honeyclass/internal/integrity"
)

// Kind is a category of sensitive value.
type Kind int

const (
	KindEmail Kind = iota
	KindPassword
	KindAPIKey
	KindJWT
	KindCardNumber
	KindCloudKey
	KindPrivateKey
)

var kindNames = map[Kind]string{
	KindEmail:      "EMAIL",
	KindPassword:   "PASSWORD",
	KindAPIKey:     "API_KEY",
	KindJWT:        "JWT",
	KindCardNumber: "CARD_NUMBER",
	KindCloudKey:   "CLOUD_KEY",
	KindPrivateKey: "PRIVATE_KEY",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "SECRET"
}

// Mode selects how a match is rewritten.
type Mode int

const (
	// ModeMask keeps the first and last rune and masks the rest
	ModeMask Mode = iota
	// ModeHash replaces the value with a short BLAKE3 digest, so repeated
	// values stay correlatable
	ModeHash
	// ModeLabel replaces the value with its kind, e.g. "[PASSWORD]"
	ModeLabel
)

// Config holds redactor configuration.
type Config struct {
	// Kinds enables detection per kind. A nil map enables every kind.
	Kinds map[Kind]bool

	// Mode is the rewrite applied to matches
	Mode Mode

	// Allow lists patterns whose matches are left untouched
	Allow []string

	// HashKey is a hex-encoded 32-byte key for ModeHash. Keyed digests
	// cannot be matched against digests of guessed passwords. Empty keeps
	// digests unkeyed.
	HashKey string
}

// DefaultConfig returns a configuration that hashes every kind.
func DefaultConfig() *Config {
	return &Config{Mode: ModeHash}
}

// Match is one detected value. Start and End are byte offsets.
type Match struct {
	Kind  Kind
	Start int
	End   int
}

type rule struct {
	kind Kind
	re   *regexp.Regexp
	// group selects the submatch to redact; 0 is the whole match
	group int
	check func(string) bool
}

var rules = []rule{
	{kind: KindPrivateKey, re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{kind: KindJWT, re: regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)},
	{kind: KindCloudKey, re: regexp.MustCompile(`\b(?:AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{36}|AIza[0-9A-Za-z_-]{35})\b`)},
	{
		kind:  KindAPIKey,
		re:    regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api[_-]?secret|access[_-]?token|aws_secret_access_key)\s*[=:]\s*["']?([A-Za-z0-9/+=_-]{16,})`),
		group: 1,
	},
	{
		kind:  KindPassword,
		re:    regexp.MustCompile(`(?i)(?:password|passwd|pwd|pass|secret|token)\s*[=:]\s*["']?([^\s"'&;|]+)`),
		group: 1,
	},
	{
		// echo "user:pass" | chpasswd
		kind:  KindPassword,
		re:    regexp.MustCompile(`(?i)echo\s+["']?[^\s:"']+:([^\s"']+)["']?\s*\|\s*(?:sudo\s+)?chpasswd`),
		group: 1,
	},
	{kind: KindEmail, re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{
		kind:  KindCardNumber,
		re:    regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`),
		check: luhnValid,
	},
}

// Redactor finds and rewrites sensitive values. It is safe for concurrent
// use.
type Redactor struct {
	config *Config
	allow  []*regexp.Regexp
	hasher *integrity.BLAKE3Hasher
}

// NewRedactor compiles cfg. A nil cfg uses DefaultConfig.
func NewRedactor(cfg *Config) (*Redactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Redactor{config: cfg, hasher: integrity.NewBLAKE3Hasher()}
	if cfg.HashKey != "" {
		key, err := integrity.ParseKey(cfg.HashKey)
		if err != nil {
			return nil, err
		}
		r.hasher = integrity.NewKeyedBLAKE3Hasher(key)
	}
	for _, pattern := range cfg.Allow {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
		}
		r.allow = append(r.allow, re)
	}
	return r, nil
}

func (r *Redactor) enabled(k Kind) bool {
	return r.config.Kinds == nil || r.config.Kinds[k]
}

func (r *Redactor) allowed(value string) bool {
	for _, re := range r.allow {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// Find returns non-overlapping matches ordered by offset. Where matches
// overlap, the earliest and then the longest wins.
func (r *Redactor) Find(text string) []Match {
	var found []Match
	for _, ru := range rules {
		if !r.enabled(ru.kind) {
			continue
		}
		for _, loc := range ru.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*ru.group], loc[2*ru.group+1]
			if start < 0 || start == end {
				continue
			}
			value := text[start:end]
			if ru.check != nil && !ru.check(value) {
				continue
			}
			if r.allowed(value) {
				continue
			}
			found = append(found, Match{Kind: ru.kind, Start: start, End: end})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})
	out := found[:0]
	last := -1
	for _, m := range found {
		if m.Start < last {
			continue
		}
		out = append(out, m)
		last = m.End
	}
	return out
}

// Redact rewrites every match in text.
func (r *Redactor) Redact(text string) string {
	matches := r.Find(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m.Start])
		b.WriteString(r.rewrite(m.Kind, text[m.Start:m.End]))
		prev = m.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Excerpt redacts text and truncates the result to maxRunes runes. Redaction
// runs first so a secret is never cut into an unrecognizable prefix.
func (r *Redactor) Excerpt(text string, maxRunes int) string {
	out := r.Redact(text)
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	n := 0
	for i := range out {
		if n == maxRunes {
			return out[:i] + "..."
		}
		n++
	}
	return out
}

func (r *Redactor) rewrite(k Kind, value string) string {
	switch r.config.Mode {
	case ModeHash:
		return "[" + k.String() + ":" + r.hasher.HashHex([]byte(value))[:16] + "]"
	case ModeLabel:
		return "[" + k.String() + "]"
	default:
		runes := []rune(value)
		if len(runes) <= 4 {
			return strings.Repeat("*", len(runes))
		}
		return string(runes[0]) + strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-1])
	}
}

// luhnValid reports whether the digits of number pass the Luhn checksum.
func luhnValid(number string) bool {
	sum, n := 0, 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}
