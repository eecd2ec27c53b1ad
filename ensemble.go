package cloudguard

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// minEnsembleWindow is the smallest history the forest will score against.
// Below this, isolation depths carry almost no signal.
const minEnsembleWindow = 8

// maxTreeSample bounds the per-tree subsample, after Liu et al.'s canonical
// isolation forest setting.
const maxTreeSample = 256

// EnsembleScorer detects outliers with an isolation forest built over the
// baseline feature-vector window. Points that isolate in fewer random
// partitioning splits than the training data score as anomalies.
type EnsembleScorer struct {
	trees         int
	contamination float64
	seed          int64
}

// NewEnsembleScorer builds an isolation-forest detector. Non-positive
// parameters fall back to 100 trees and a 0.05 contamination ratio.
func NewEnsembleScorer(trees int, contamination float64, seed int64) *EnsembleScorer {
	if trees <= 0 {
		trees = 100
	}
	if contamination <= 0 {
		contamination = 0.05
	}
	return &EnsembleScorer{trees: trees, contamination: contamination, seed: seed}
}

func (s *EnsembleScorer) Name() string { return "ensemble" }

// Score fits a forest on the baseline window and evaluates the sample's
// isolation depth. The anomaly cut-off is the (1-contamination) quantile of
// the training scores, so roughly the configured fraction of the baseline
// itself would be called outliers.
func (s *EnsembleScorer) Score(features *TrafficFeatures, baseline *Baseline) Verdict {
	window := baseline.Window()
	if len(window) < minEnsembleWindow {
		return Verdict{
			Label:  LabelIndeterminate,
			Reason: "insufficient history for ensemble scoring",
		}
	}

	rng := rand.New(rand.NewSource(s.seed))
	forest := growForest(window, s.trees, rng)

	trainScores := make([]float64, len(window))
	for i, point := range window {
		trainScores[i] = forest.anomalyScore(point)
	}
	sort.Float64s(trainScores)
	cutIdx := int(math.Ceil(float64(len(trainScores)) * (1 - s.contamination)))
	if cutIdx >= len(trainScores) {
		cutIdx = len(trainScores) - 1
	}
	cutoff := trainScores[cutIdx]

	score := forest.anomalyScore(features.Vector())
	if score > cutoff {
		return Verdict{
			Label:  LabelAnomaly,
			Score:  score,
			Reason: fmt.Sprintf("isolation score %.3f above baseline cutoff %.3f", score, cutoff),
		}
	}
	return Verdict{Label: LabelNormal, Score: score}
}

type isolationForest struct {
	trees      []*isolationNode
	sampleSize int
}

type isolationNode struct {
	left, right *isolationNode
	splitDim    int
	splitValue  float64
	size        int
}

func growForest(window [][]float64, trees int, rng *rand.Rand) *isolationForest {
	sampleSize := len(window)
	if sampleSize > maxTreeSample {
		sampleSize = maxTreeSample
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))

	forest := &isolationForest{sampleSize: sampleSize, trees: make([]*isolationNode, 0, trees)}
	for t := 0; t < trees; t++ {
		perm := rng.Perm(len(window))
		sample := make([][]float64, sampleSize)
		for i := 0; i < sampleSize; i++ {
			sample[i] = window[perm[i]]
		}
		forest.trees = append(forest.trees, growTree(sample, 0, heightLimit, rng))
	}
	return forest
}

func growTree(points [][]float64, depth, heightLimit int, rng *rand.Rand) *isolationNode {
	if len(points) <= 1 || depth >= heightLimit {
		return &isolationNode{size: len(points)}
	}

	dims := len(points[0])
	dim, lo, hi, ok := pickSplitDim(points, dims, rng)
	if !ok {
		// Every remaining point is identical; nothing left to isolate.
		return &isolationNode{size: len(points)}
	}

	splitValue := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[dim] < splitValue {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{size: len(points)}
	}

	return &isolationNode{
		splitDim:   dim,
		splitValue: splitValue,
		left:       growTree(left, depth+1, heightLimit, rng),
		right:      growTree(right, depth+1, heightLimit, rng),
	}
}

// pickSplitDim chooses a random dimension that still has spread, starting
// from a random offset so no dimension is systematically favoured.
func pickSplitDim(points [][]float64, dims int, rng *rand.Rand) (dim int, lo, hi float64, ok bool) {
	start := rng.Intn(dims)
	for i := 0; i < dims; i++ {
		d := (start + i) % dims
		mn, mx := points[0][d], points[0][d]
		for _, p := range points[1:] {
			if p[d] < mn {
				mn = p[d]
			}
			if p[d] > mx {
				mx = p[d]
			}
		}
		if mx > mn {
			return d, mn, mx, true
		}
	}
	return 0, 0, 0, false
}

func (f *isolationForest) anomalyScore(point []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize))
}

func pathLength(node *isolationNode, point []float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + avgPathLength(node.size)
	}
	if point[node.splitDim] < node.splitValue {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points, used to normalise isolation depths.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni constant
	return 2*h - 2*float64(n-1)/float64(n)
}
