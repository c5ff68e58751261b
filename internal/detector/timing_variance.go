package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ocx/backend/internal/model"
)

// TimingVariance computes the inter-arrival times of an actor's events and
// flags a low coefficient of variation (stddev/mean) as the signature of a
// scheduled or throttled bot rather than irregular human activity.
func TimingVariance(events []model.PlatformEvent, th Thresholds, _ BusinessHours, _ Baselines) []model.ActivityPattern {
	threshold := th.TimingVarianceCoV
	if threshold <= 0 {
		threshold = 0.15
	}

	byActor := groupByActor(events)
	var patterns []model.ActivityPattern

	for actor, actorEvents := range byActor {
		if len(actorEvents) < 4 {
			continue // need at least 3 intervals for a meaningful CoV
		}
		sort.Slice(actorEvents, func(i, j int) bool {
			return actorEvents[i].Timestamp.Before(actorEvents[j].Timestamp)
		})

		intervals := make([]float64, 0, len(actorEvents)-1)
		for i := 1; i < len(actorEvents); i++ {
			intervals = append(intervals, actorEvents[i].Timestamp.Sub(actorEvents[i-1].Timestamp).Seconds())
		}

		mean := meanOf(intervals)
		if mean <= 0 {
			continue
		}
		cov := math.Sqrt(varianceOf(intervals, mean)) / mean

		if cov >= threshold {
			continue
		}

		// Confidence rises the closer the observed CoV is to zero.
		confidence := clampConfidence((1 - cov/threshold) * 100)

		patterns = append(patterns, model.ActivityPattern{
			PatternID:   newPatternID(),
			PatternType: model.PatternRegularInterval,
			DetectedAt:  time.Now().UTC(),
			Confidence:  confidence,
			Metadata: model.PatternMetadata{
				Actor:     actor,
				Timestamp: actorEvents[0].Timestamp,
			},
			Evidence: model.PatternEvidence{
				Description:      fmt.Sprintf("coefficient of variation %.3f is below the %.3f bot-like threshold", cov, threshold),
				DataPoints:       map[string]any{"coefficientOfVariation": cov, "meanIntervalSeconds": mean, "sampleCount": len(intervals)},
				SupportingEvents: eventIDs(actorEvents),
			},
		})
	}

	return patterns
}

func meanOf(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func varianceOf(data []float64, mean float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var variance float64
	for _, v := range data {
		variance += math.Pow(v-mean, 2)
	}
	return variance / float64(len(data))
}
