package ml

import (
	"fmt"
	"strings"
)

// ModelMetrics holds held-out evaluation results for a classifier.
type ModelMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	// Labels orders the rows and columns of ConfusionMatrix.
	Labels []int `json:"labels"`
	// ConfusionMatrix[i][j] counts samples of Labels[i] predicted as Labels[j].
	ConfusionMatrix [][]int `json:"confusion_matrix"`

	ClassificationReport string `json:"classification_report"`
}

type classStats struct {
	precision, recall, f1 float64
	support               int
}

// perClass computes precision/recall/F1 for every label in labels.
// Zero denominators yield 0.
func perClass(yTrue, yPred []int, labels []int) []classStats {
	idx := make(map[int]int, len(labels))
	for i, l := range labels {
		idx[l] = i
	}
	tp := make([]int, len(labels))
	predCount := make([]int, len(labels))
	trueCount := make([]int, len(labels))
	for i := range yTrue {
		t, p := idx[yTrue[i]], idx[yPred[i]]
		trueCount[t]++
		predCount[p]++
		if yTrue[i] == yPred[i] {
			tp[t]++
		}
	}

	out := make([]classStats, len(labels))
	for i := range labels {
		var s classStats
		s.support = trueCount[i]
		if predCount[i] > 0 {
			s.precision = float64(tp[i]) / float64(predCount[i])
		}
		if trueCount[i] > 0 {
			s.recall = float64(tp[i]) / float64(trueCount[i])
		}
		if s.precision+s.recall > 0 {
			s.f1 = 2 * s.precision * s.recall / (s.precision + s.recall)
		}
		out[i] = s
	}
	return out
}

// weightedPRF averages per-class scores weighted by true support.
func weightedPRF(yTrue, yPred []int) (precision, recall, f1 float64) {
	labels := unionLabels(yTrue, yPred)
	stats := perClass(yTrue, yPred, labels)
	total := 0
	for _, s := range stats {
		total += s.support
	}
	if total == 0 {
		return 0, 0, 0
	}
	for _, s := range stats {
		w := float64(s.support) / float64(total)
		precision += w * s.precision
		recall += w * s.recall
		f1 += w * s.f1
	}
	return precision, recall, f1
}

func unionLabels(a, b []int) []int {
	all := make([]int, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return uniqueSorted(all)
}

func accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue))
}

func confusionMatrix(yTrue, yPred []int, labels []int) [][]int {
	idx := make(map[int]int, len(labels))
	for i, l := range labels {
		idx[l] = i
	}
	m := make([][]int, len(labels))
	for i := range m {
		m[i] = make([]int, len(labels))
	}
	for i := range yTrue {
		m[idx[yTrue[i]]][idx[yPred[i]]]++
	}
	return m
}

func computeMetrics(yTrue, yPred []int, name func(int) string) *ModelMetrics {
	labels := unionLabels(yTrue, yPred)
	p, r, f1 := weightedPRF(yTrue, yPred)
	return &ModelMetrics{
		Accuracy:             accuracy(yTrue, yPred),
		Precision:            p,
		Recall:               r,
		F1:                   f1,
		Labels:               labels,
		ConfusionMatrix:      confusionMatrix(yTrue, yPred, labels),
		ClassificationReport: classificationReport(yTrue, yPred, labels, name),
	}
}

// classificationReport renders per-class precision/recall/f1/support plus
// accuracy, macro and weighted averages.
func classificationReport(yTrue, yPred []int, labels []int, name func(int) string) string {
	const (
		weighted = "weighted avg"
		digits   = 2
	)
	stats := perClass(yTrue, yPred, labels)

	width := len(weighted)
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = name(l)
		width = max(width, len(names[i]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")

	row := func(label string, p, r, f float64, support int) {
		fmt.Fprintf(&b, "%*s  %9.*f %9.*f %9.*f %9d\n", width, label, digits, p, digits, r, digits, f, support)
	}

	total := 0
	var macroP, macroR, macroF float64
	for i, s := range stats {
		row(names[i], s.precision, s.recall, s.f1, s.support)
		total += s.support
		macroP += s.precision
		macroR += s.recall
		macroF += s.f1
	}
	b.WriteString("\n")

	n := float64(len(stats))
	if n == 0 {
		n = 1
	}
	fmt.Fprintf(&b, "%*s  %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, accuracy(yTrue, yPred), total)
	row("macro avg", macroP/n, macroR/n, macroF/n, total)
	wp, wr, wf := weightedPRF(yTrue, yPred)
	row(weighted, wp, wr, wf, total)
	return b.String()
}
