package ml

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Analyzer selects how a TFIDFVectorizer splits text into terms.
type Analyzer string

const (
	// AnalyzerWord extracts word n-grams from tokens of two or more word characters.
	AnalyzerWord Analyzer = "word"
	// AnalyzerCharWB extracts character n-grams inside space-padded words.
	AnalyzerCharWB Analyzer = "char_wb"
)

var wordToken = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// TFIDFVectorizer is a bounded-vocabulary TF-IDF encoder with smoothed idf
// and L2-normalised rows. Columns are in alphabetical term order.
type TFIDFVectorizer struct {
	Analyzer    Analyzer  `json:"analyzer"`
	MinN        int       `json:"min_n"`
	MaxN        int       `json:"max_n"`
	MaxFeatures int       `json:"max_features"`
	Terms       []string  `json:"terms"`
	IDF         []float64 `json:"idf"`

	index map[string]int
}

// NewTFIDFVectorizer creates an unfitted vectorizer.
func NewTFIDFVectorizer(analyzer Analyzer, minN, maxN, maxFeatures int) *TFIDFVectorizer {
	return &TFIDFVectorizer{
		Analyzer:    analyzer,
		MinN:        minN,
		MaxN:        maxN,
		MaxFeatures: maxFeatures,
	}
}

// Analyze returns the terms of doc in extraction order, duplicates included.
func (v *TFIDFVectorizer) Analyze(doc string) []string {
	doc = strings.ToLower(doc)
	if v.Analyzer == AnalyzerCharWB {
		return charWBNgrams(doc, v.MinN, v.MaxN)
	}
	return wordNgrams(wordToken.FindAllString(doc, -1), v.MinN, v.MaxN)
}

func wordNgrams(tokens []string, minN, maxN int) []string {
	var out []string
	for n := minN; n <= maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], " "))
		}
	}
	return out
}

func charWBNgrams(doc string, minN, maxN int) []string {
	var out []string
	for _, word := range strings.Fields(doc) {
		w := []rune(" " + word + " ")
		for n := minN; n <= maxN; n++ {
			if len(w) <= n {
				// whole padded word, once, then stop growing n
				out = append(out, string(w))
				break
			}
			for i := 0; i+n <= len(w); i++ {
				out = append(out, string(w[i:i+n]))
			}
		}
	}
	return out
}

// Fit learns the vocabulary and idf weights from docs. The vocabulary keeps
// the MaxFeatures terms with the highest corpus frequency; ties go to the
// alphabetically smaller term.
func (v *TFIDFVectorizer) Fit(docs []string) {
	tf := make(map[string]int)
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{})
		for _, term := range v.Analyze(doc) {
			tf[term]++
			if _, ok := seen[term]; !ok {
				seen[term] = struct{}{}
				df[term]++
			}
		}
	}

	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if tf[terms[i]] != tf[terms[j]] {
			return tf[terms[i]] > tf[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if v.MaxFeatures > 0 && len(terms) > v.MaxFeatures {
		terms = terms[:v.MaxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	v.Terms = terms
	v.IDF = make([]float64, len(terms))
	for i, term := range terms {
		v.IDF[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	v.buildIndex()
}

func (v *TFIDFVectorizer) buildIndex() {
	v.index = make(map[string]int, len(v.Terms))
	for i, term := range v.Terms {
		v.index[term] = i
	}
}

// restore rebuilds derived state after decoding and checks consistency.
func (v *TFIDFVectorizer) restore() error {
	if len(v.IDF) != len(v.Terms) {
		return ErrCorruptArtifact
	}
	v.buildIndex()
	return nil
}

// Width is the number of output columns.
func (v *TFIDFVectorizer) Width() int {
	return len(v.Terms)
}

// TransformOne encodes a single document. Out-of-vocabulary terms contribute nothing.
func (v *TFIDFVectorizer) TransformOne(doc string) []float64 {
	row := make([]float64, len(v.Terms))
	for _, term := range v.Analyze(doc) {
		if j, ok := v.index[term]; ok {
			row[j]++
		}
	}

	var norm float64
	for j := range row {
		row[j] *= v.IDF[j]
		norm += row[j] * row[j]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for j := range row {
			row[j] /= norm
		}
	}
	return row
}
