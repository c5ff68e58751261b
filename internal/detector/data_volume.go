package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/ocx/backend/internal/model"
)

const mib = 1024 * 1024

// downloadClassEventTypes are the normalized EventType values counted
// towards daily data-volume totals.
var downloadClassEventTypes = map[string]bool{
	"file_download": true,
	"file_export":   true,
	"drive_download": true,
}

// extensionSizeEstimateBytes is the fallback byte-size table used when an
// event carries no declared fileSize — a coarse per-extension average based
// on typical document/export sizes.
var extensionSizeEstimateBytes = map[string]float64{
	".csv":  2 * mib,
	".xlsx": 3 * mib,
	".pdf":  5 * mib,
	".zip":  20 * mib,
	".json": 1 * mib,
	".txt":  0.2 * mib,
}

const defaultExtensionEstimateBytes = 1 * mib

// DataVolume groups download-class events per (actor, UTC day), estimates
// bytes transferred, learns a per-actor baseline from the batch's other
// days, and flags days that exceed the absolute warning/critical
// thresholds, or land at >=3x/>=10x the learned baseline, or involve >=100
// files. Points from each triggered rule are additive, capped at 100.
//
// A batch-learned baseline requires at least 7 other distinct days of
// history for the actor (a fixed count; the config's DataVolumeBaselineDays
// is not read here). With fewer, the caller-supplied Baselines entry for the
// actor is used; without one, baseline is reported as 0 and the multiplier
// rule never fires (spec §8 boundary behavior).
func DataVolume(events []model.PlatformEvent, th Thresholds, _ BusinessHours, bl Baselines) []model.ActivityPattern {
	byActorDay := make(map[string]map[string][]model.PlatformEvent)
	for _, e := range events {
		if !downloadClassEventTypes[e.EventType] {
			continue
		}
		actor := actorKey(e)
		day := e.Timestamp.UTC().Format("2006-01-02")
		if byActorDay[actor] == nil {
			byActorDay[actor] = make(map[string][]model.PlatformEvent)
		}
		byActorDay[actor][day] = append(byActorDay[actor][day], e)
	}

	var patterns []model.ActivityPattern

	for actor, byDay := range byActorDay {
		dailyBytes := make(map[string]float64, len(byDay))
		for day, dayEvents := range byDay {
			dailyBytes[day] = estimateTotalBytes(dayEvents)
		}

		for day, total := range dailyBytes {
			dayEvents := byDay[day]
			baseline := learnBaseline(dailyBytes, day, bl.DataVolumeDailyBaselineBytes[actor])
			points, reasons := scoreDataVolumeDay(total, len(dayEvents), baseline, th)
			if points == 0 {
				continue
			}

			dataPoints := map[string]any{
				"totalBytes":  total,
				"fileCount":   len(dayEvents),
				"baseline":    baseline,
				"day":         day,
			}
			if baseline > 0 {
				dataPoints["multiplier"] = fmt.Sprintf("%.2f", total/baseline)
			}

			// PatternType is api_usage: the raw ActivityPattern vocabulary has
			// no separate data-volume value, so downstream consumers (Risk
			// Assessor's dataAccessRisk) distinguish this from an actual AI
			// provider match by evidence text rather than pattern type.
			patterns = append(patterns, model.ActivityPattern{
				PatternID:   newPatternID(),
				PatternType: model.PatternAPIUsage,
				DetectedAt:  time.Now().UTC(),
				Confidence:  clampConfidence(points),
				Metadata: model.PatternMetadata{
					Actor:        actor,
					ResourceType: "file",
					Timestamp:    dayEvents[0].Timestamp,
				},
				Evidence: model.PatternEvidence{
					Description:      strings.Join(reasons, "; "),
					DataPoints:       dataPoints,
					SupportingEvents: eventIDs(dayEvents),
				},
			})
		}
	}

	return patterns
}

// learnBaseline returns the mean daily byte total across all but the day
// currently being scored. Requires >=7 other distinct days of history;
// otherwise returns prelearned (0 when the caller supplied no baseline,
// which disables the multiplier rule).
func learnBaseline(dailyBytes map[string]float64, scoredDay string, prelearned float64) float64 {
	if len(dailyBytes)-1 < 7 {
		// Not enough same-batch history; consult a pre-learned baseline
		// if the caller supplied one (e.g. from a prior analysis window).
		return prelearned
	}
	var sum float64
	for day, v := range dailyBytes {
		if day != scoredDay {
			sum += v
		}
	}
	return sum / float64(len(dailyBytes)-1)
}

func scoreDataVolumeDay(totalBytes float64, fileCount int, baseline float64, th Thresholds) (float64, []string) {
	warningBytes := th.DataVolumeWarningMiB * mib
	criticalBytes := th.DataVolumeCriticalMiB * mib
	if warningBytes <= 0 {
		warningBytes = 100 * mib
	}
	if criticalBytes <= 0 {
		criticalBytes = 500 * mib
	}

	var points float64
	var reasons []string

	switch {
	case totalBytes >= criticalBytes:
		points += 40
		reasons = append(reasons, "daily volume exceeds critical threshold")
	case totalBytes >= warningBytes:
		points += 40
		reasons = append(reasons, "daily volume exceeds warning threshold")
	}

	if baseline > 0 {
		mult := totalBytes / baseline
		switch {
		case mult >= 10:
			points += 40
			reasons = append(reasons, "volume is >=10x the learned baseline")
		case mult >= 3:
			points += 20
			reasons = append(reasons, "volume is >=3x the learned baseline")
		}
	}

	if fileCount >= 100 {
		points += 20
		reasons = append(reasons, "file count >=100 in a single day")
	}

	if points == 0 {
		return 0, nil
	}
	return points, reasons
}

// estimateTotalBytes sums the declared or extension-estimated byte size of
// each event in a day's group.
func estimateTotalBytes(events []model.PlatformEvent) float64 {
	var total float64
	for _, e := range events {
		total += estimateEventBytes(e)
	}
	return total
}

func estimateEventBytes(e model.PlatformEvent) float64 {
	if v, ok := e.ActionDetails.AdditionalMetadata["fileSize"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	name := strings.ToLower(e.ActionDetails.ResourceName)
	for ext, size := range extensionSizeEstimateBytes {
		if strings.HasSuffix(name, ext) {
			return size
		}
	}
	return defaultExtensionEstimateBytes
}
