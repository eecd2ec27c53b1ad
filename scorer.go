package cloudguard

import (
	"fmt"
	"math"
)

// trafficDim is the feature dimension the statistical scorer watches: packet
// size, the primary traffic volume signal.
const trafficDim = 0

// StatisticalScorer flags samples whose packet size deviates from the
// baseline mean by more than threshold standard deviations.
type StatisticalScorer struct {
	threshold float64
}

// NewStatisticalScorer builds a z-score detector. A non-positive threshold
// falls back to the default of 3.0.
func NewStatisticalScorer(threshold float64) *StatisticalScorer {
	if threshold <= 0 {
		threshold = 3.0
	}
	return &StatisticalScorer{threshold: threshold}
}

func (s *StatisticalScorer) Name() string { return "statistical" }

// Score computes the population z-score of the sample's packet size against
// the baseline window. A window with fewer than two points or zero variance
// cannot support a score and yields an Indeterminate verdict instead of a
// division error.
func (s *StatisticalScorer) Score(features *TrafficFeatures, baseline *Baseline) Verdict {
	series := baseline.Series(trafficDim)
	if len(series) < 2 {
		return Verdict{
			Label:  LabelIndeterminate,
			Reason: "insufficient history for statistical scoring",
		}
	}

	mean, stdDev := meanStdDev(series)
	if stdDev == 0 {
		// A constant baseline supports no z-score, except for the trivial
		// case where the sample matches it exactly.
		if features.PacketSize == mean {
			return Verdict{Label: LabelNormal}
		}
		return Verdict{
			Label:  LabelIndeterminate,
			Reason: "no variation in historical traffic data",
		}
	}

	z := (features.PacketSize - mean) / stdDev
	if math.Abs(z) > s.threshold {
		return Verdict{
			Label:  LabelAnomaly,
			Score:  z,
			Reason: fmt.Sprintf("packet size %.1f deviates %.2f sigma from baseline mean %.1f", features.PacketSize, z, mean),
		}
	}
	return Verdict{Label: LabelNormal, Score: z}
}

func meanStdDev(series []float64) (mean, stdDev float64) {
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(series))
	return mean, math.Sqrt(variance)
}
