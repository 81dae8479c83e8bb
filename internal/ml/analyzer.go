package ml

import (
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Command Analysis
// =============================================================================

// Command categories reported by CommandAnalyzer.
const (
	CategoryReconnaissance      = "reconnaissance"
	CategoryDownload            = "download"
	CategoryPersistence         = "persistence"
	CategoryExfiltration        = "exfiltration"
	CategoryPrivilegeEscalation = "privilege_escalation"
	CategoryOther               = "other"
)

func commandSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

var (
	reconCommands       = commandSet("ls", "cat", "find", "grep", "ps", "netstat", "who", "w", "id", "uname", "hostname", "ifconfig", "ip", "ss", "lsof")
	downloadCommands    = commandSet("wget", "curl", "scp", "sftp", "ftp", "nc", "netcat")
	persistenceCommands = commandSet("crontab", "at", "useradd", "adduser", "usermod", "chmod", "chown", "systemctl", "service")
	exfilCommands       = commandSet("tar", "zip", "gzip", "base64", "xxd", "nc", "curl")
	privescCommands     = commandSet("sudo", "su", "passwd", "chmod", "chown", "setuid")

	// Checked in order; the first set containing the base command wins.
	commandCategories = []struct {
		name string
		set  map[string]struct{}
	}{
		{CategoryReconnaissance, reconCommands},
		{CategoryDownload, downloadCommands},
		{CategoryPersistence, persistenceCommands},
		{CategoryExfiltration, exfilCommands},
		{CategoryPrivilegeEscalation, privescCommands},
	}

	chmodSetuidPattern  = regexp.MustCompile(`chmod\s+[47][0-7][0-7]`)
	base64DecodePattern = regexp.MustCompile(`base64\s+-d`)
	hexEscapePattern    = regexp.MustCompile(`(?i)\\x[0-9a-f]{2}`)
	varSubstPattern     = regexp.MustCompile(`\$\{[^}]+\}`)
)

const maxCommandRisk = 10

// CommandAnalysis is the structural and risk breakdown of a shell command.
type CommandAnalysis struct {
	BaseCommand   string `json:"base_command"`
	NumArgs       int    `json:"num_args"`
	HasPipe       bool   `json:"has_pipe"`
	HasRedirect   bool   `json:"has_redirect"`
	HasBackground bool   `json:"has_background"`
	HasSemicolon  bool   `json:"has_semicolon"`
	Category      string `json:"category"`
	RiskScore     int    `json:"risk_score"`
	IsObfuscated  bool   `json:"is_obfuscated"`
}

// CommandAnalyzer inspects shell commands for threat indicators. The zero
// value is ready to use and safe for concurrent use.
type CommandAnalyzer struct{}

// Analyze breaks down command.
func (CommandAnalyzer) Analyze(command string) CommandAnalysis {
	parts := strings.Fields(strings.ToLower(command))
	base := ""
	if len(parts) > 0 {
		base = parts[0]
	}
	return CommandAnalysis{
		BaseCommand:   base,
		NumArgs:       max(len(parts)-1, 0),
		HasPipe:       strings.Contains(command, "|"),
		HasRedirect:   strings.ContainsAny(command, "<>"),
		HasBackground: strings.Contains(command, "&"),
		HasSemicolon:  strings.Contains(command, ";"),
		Category:      categorize(base),
		RiskScore:     commandRisk(command, base),
		IsObfuscated:  isObfuscated(command),
	}
}

func categorize(base string) string {
	for _, c := range commandCategories {
		if _, ok := c.set[base]; ok {
			return c.name
		}
	}
	return CategoryOther
}

func inSet(set map[string]struct{}, base string) bool {
	_, ok := set[base]
	return ok
}

func commandRisk(command, base string) int {
	score := 0
	if inSet(downloadCommands, base) {
		score += 3
	}
	if inSet(persistenceCommands, base) {
		score += 4
	}
	if inSet(privescCommands, base) {
		score += 3
	}

	if strings.Contains(command, "/dev/tcp") || strings.Contains(command, "/dev/udp") {
		score += 5
	}
	if strings.Contains(command, "base64") && (strings.Contains(command, "|") || strings.Contains(command, "-d")) {
		score += 3
	}
	if chmodSetuidPattern.MatchString(command) {
		score += 2
	}
	for _, dir := range []string{"/tmp/", "/var/tmp/", "/dev/shm/"} {
		if strings.Contains(command, dir) {
			score += 2
			break
		}
	}
	return min(score, maxCommandRisk)
}

func isObfuscated(command string) bool {
	return base64DecodePattern.MatchString(command) ||
		hexEscapePattern.MatchString(command) ||
		varSubstPattern.MatchString(command) ||
		strings.Count(command, `\`) > 5
}

// =============================================================================
// Source IP Profiling
// =============================================================================

// IPProfile summarizes the attack history of one source address.
type IPProfile struct {
	TotalAttacks          int     `json:"total_attacks"`
	ServicesTargeted      int     `json:"services_targeted"`
	IsRepeatOffender      bool    `json:"is_repeat_offender"`
	AvgTimeBetweenAttacks float64 `json:"avg_time_between_attacks"`
	MinTimeBetweenAttacks float64 `json:"min_time_between_attacks"`
	IsAutomated           bool    `json:"is_automated"`
	IPFirstOctet          int     `json:"ip_first_octet"`
	IsPrivateIP           bool    `json:"is_private_ip"`
}

const (
	repeatOffenderThreshold = 5
	automatedInterval       = time.Second
)

type ipHistory struct {
	count    int
	last     time.Time
	sumDelta float64
	minDelta float64
	services map[string]struct{}
}

// IPProfiler accumulates per-address attack history. The number of tracked
// addresses is bounded; the least recently seen address is forgotten first.
type IPProfiler struct {
	mu      sync.Mutex
	history *lru.Cache[string, *ipHistory]
}

// NewIPProfiler tracks at most capacity addresses.
func NewIPProfiler(capacity int) (*IPProfiler, error) {
	history, err := lru.New[string, *ipHistory](capacity)
	if err != nil {
		return nil, err
	}
	return &IPProfiler{history: history}, nil
}

// Observe records one attack and returns the updated profile for ip.
func (p *IPProfiler) Observe(ip, service string, ts time.Time) IPProfile {
	p.mu.Lock()
	h, ok := p.history.Get(ip)
	if !ok {
		h = &ipHistory{services: make(map[string]struct{})}
		p.history.Add(ip, h)
	}
	if h.count > 0 {
		delta := ts.Sub(h.last).Seconds()
		if h.count == 1 || delta < h.minDelta {
			h.minDelta = delta
		}
		h.sumDelta += delta
	}
	h.count++
	h.last = ts
	h.services[service] = struct{}{}

	prof := IPProfile{
		TotalAttacks:     h.count,
		ServicesTargeted: len(h.services),
		IsRepeatOffender: h.count > repeatOffenderThreshold,
	}
	if h.count > 1 {
		prof.AvgTimeBetweenAttacks = h.sumDelta / float64(h.count-1)
		prof.MinTimeBetweenAttacks = h.minDelta
		prof.IsAutomated = h.minDelta < automatedInterval.Seconds()
	}
	p.mu.Unlock()

	if addr, err := netip.ParseAddr(ip); err == nil && addr.Is4() {
		prof.IPFirstOctet = int(addr.As4()[0])
		prof.IsPrivateIP = addr.IsPrivate()
	}
	return prof
}

// Len returns the number of tracked addresses.
func (p *IPProfiler) Len() int {
	return p.history.Len()
}
