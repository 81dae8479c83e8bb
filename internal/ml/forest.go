package ml

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// treeNode is one node of a CART tree. Leaves have Feature == -1 and carry
// the normalised class distribution in Value.
type treeNode struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t,omitempty"`
	Left      int       `json:"l,omitempty"`
	Right     int       `json:"r,omitempty"`
	Value     []float64 `json:"v,omitempty"`
}

type decisionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// leaf walks row down to its leaf distribution.
func (t *decisionTree) leaf(row []float64) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
	nClasses        int
}

type treeBuilder struct {
	X          [][]float64
	y          []int
	w          []float64
	p          treeParams
	rng        *rand.Rand
	nodes      []treeNode
	importance []float64
}

func (b *treeBuilder) classWeights(idx []int) ([]float64, float64) {
	counts := make([]float64, b.p.nClasses)
	var total float64
	for _, i := range idx {
		counts[b.y[i]] += b.w[i]
		total += b.w[i]
	}
	return counts, total
}

func gini(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := c / total
		g -= p * p
	}
	return g
}

type split struct {
	feature   int
	threshold float64
	impurity  float64 // weighted child impurity, wl*gl + wr*gr
}

// bestSplit samples candidate features until maxFeatures non-constant ones
// have been evaluated, and returns the lowest weighted child impurity.
func (b *treeBuilder) bestSplit(idx []int, total []float64) (split, bool) {
	d := len(b.X[0])
	perm := b.rng.Perm(d)

	best := split{impurity: math.Inf(1)}
	found := false
	evaluated := 0

	vals := make([]float64, len(idx))
	order := make([]int, len(idx))
	left := make([]float64, b.p.nClasses)
	right := make([]float64, b.p.nClasses)

	for _, f := range perm {
		if evaluated >= b.p.maxFeatures {
			break
		}

		copy(order, idx)
		sort.Slice(order, func(i, j int) bool { return b.X[order[i]][f] < b.X[order[j]][f] })
		for i, s := range order {
			vals[i] = b.X[s][f]
		}
		if vals[0] == vals[len(vals)-1] {
			continue
		}
		evaluated++

		for k := range left {
			left[k] = 0
			right[k] = total[k]
		}
		var wl, wr float64
		for _, c := range total {
			wr += c
		}

		m := len(order)
		for i := 0; i < m-1; i++ {
			s := order[i]
			left[b.y[s]] += b.w[s]
			right[b.y[s]] -= b.w[s]
			wl += b.w[s]
			wr -= b.w[s]

			if vals[i] == vals[i+1] {
				continue
			}
			nl := i + 1
			if nl < b.p.minSamplesLeaf || m-nl < b.p.minSamplesLeaf {
				continue
			}
			imp := wl*gini(left, wl) + wr*gini(right, wr)
			if imp < best.impurity {
				thr := (vals[i] + vals[i+1]) / 2
				if thr >= vals[i+1] {
					thr = vals[i]
				}
				best = split{feature: f, threshold: thr, impurity: imp}
				found = true
			}
		}
	}
	return best, found
}

func (b *treeBuilder) build(idx []int, depth int) int {
	counts, total := b.classWeights(idx)
	nodeImpurity := gini(counts, total)

	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1})

	isLeaf := (b.p.maxDepth > 0 && depth >= b.p.maxDepth) ||
		len(idx) < b.p.minSamplesSplit ||
		len(idx) < 2*b.p.minSamplesLeaf ||
		nodeImpurity <= 1e-12

	var s split
	if !isLeaf {
		var ok bool
		s, ok = b.bestSplit(idx, counts)
		isLeaf = !ok
	}

	if isLeaf {
		value := make([]float64, b.p.nClasses)
		for k, c := range counts {
			value[k] = c / total
		}
		b.nodes[id].Value = value
		return id
	}

	b.importance[s.feature] += total*nodeImpurity - s.impurity

	var li, ri []int
	for _, i := range idx {
		if b.X[i][s.feature] <= s.threshold {
			li = append(li, i)
		} else {
			ri = append(ri, i)
		}
	}

	left := b.build(li, depth+1)
	right := b.build(ri, depth+1)
	b.nodes[id] = treeNode{Feature: s.feature, Threshold: s.threshold, Left: left, Right: right}
	return id
}

// randomForest is a bagged ensemble of CART trees over class indices 0..NClasses-1.
type randomForest struct {
	Trees       []decisionTree `json:"trees"`
	NClasses    int            `json:"n_classes"`
	NFeatures   int            `json:"n_features"`
	Importances []float64      `json:"importances"`
}

// balancedWeights returns n / (k * count) per class.
func balancedWeights(y []int, nClasses int) []float64 {
	counts := make([]float64, nClasses)
	for _, c := range y {
		counts[c]++
	}
	present := 0
	for _, c := range counts {
		if c > 0 {
			present++
		}
	}
	w := make([]float64, nClasses)
	for k, c := range counts {
		if c > 0 {
			w[k] = float64(len(y)) / (float64(present) * c)
		}
	}
	return w
}

// trainForest fits params.NEstimators trees concurrently. Each tree has its
// own generator seeded from (RandomState, tree index), so the result does
// not depend on scheduling.
func trainForest(ctx context.Context, X [][]float64, y []int, nClasses int, params ClassifierParams) (*randomForest, error) {
	n, d := len(X), len(X[0])

	classW := make([]float64, nClasses)
	for k := range classW {
		classW[k] = 1
	}
	if params.ClassWeightBalanced {
		classW = balancedWeights(y, nClasses)
	}

	maxFeatures := int(math.Sqrt(float64(d)))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	tp := treeParams{
		maxDepth:        params.MaxDepth,
		minSamplesSplit: max(params.MinSamplesSplit, 2),
		minSamplesLeaf:  max(params.MinSamplesLeaf, 1),
		maxFeatures:     maxFeatures,
		nClasses:        nClasses,
	}

	forest := &randomForest{
		Trees:     make([]decisionTree, params.NEstimators),
		NClasses:  nClasses,
		NFeatures: d,
	}
	importances := make([][]float64, params.NEstimators)

	jobs := params.NJobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for t := 0; t < params.NEstimators; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(uint64(params.RandomState), uint64(t)))

			idx := make([]int, n)
			for i := range idx {
				idx[i] = rng.IntN(n)
			}
			w := make([]float64, n)
			for i := range w {
				w[i] = classW[y[i]]
			}

			b := &treeBuilder{X: X, y: y, w: w, p: tp, rng: rng, importance: make([]float64, d)}
			b.build(idx, 0)

			forest.Trees[t] = decisionTree{Nodes: b.nodes}
			importances[t] = normalize(b.importance)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	forest.Importances = make([]float64, d)
	for _, imp := range importances {
		for j, v := range imp {
			forest.Importances[j] += v
		}
	}
	forest.Importances = normalize(forest.Importances)
	return forest, nil
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	out := make([]float64, len(v))
	if sum <= 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}

// proba averages the leaf distributions of every tree.
func (f *randomForest) proba(row []float64) []float64 {
	out := make([]float64, f.NClasses)
	for i := range f.Trees {
		for k, v := range f.Trees[i].leaf(row) {
			out[k] += v
		}
	}
	n := float64(len(f.Trees))
	for k := range out {
		out[k] /= n
	}
	return out
}
