package query

import (
	"sort"

	"smartlog/internal/detector"
	"smartlog/internal/model"
)

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
	TrendUnknown   = "insufficient_data"
)

type Bottleneck struct {
	Target    string  `json:"target"`
	Samples   int     `json:"samples"`
	AverageMs float64 `json:"average_ms"`
	MaxMs     float64 `json:"max_ms"`
}

type Performance struct {
	Samples             int          `json:"samples"`
	MinResponseMs       float64      `json:"min_response_ms"`
	MaxResponseMs       float64      `json:"max_response_ms"`
	AvgResponseMs       float64      `json:"avg_response_ms"`
	ThroughputPerMinute float64      `json:"throughput_per_minute"`
	ErrorRate           float64      `json:"error_rate"`
	Trend               string       `json:"trend"`
	Bottlenecks         []Bottleneck `json:"bottlenecks"`
}

// responseMillis reads an event's response time in milliseconds. api_response_time
// and load_time are reported in seconds.
func responseMillis(event model.Event) (float64, bool) {
	if value, ok := event.Float("response_time"); ok {
		return value, true
	}
	if value, ok := event.Float("api_response_time"); ok {
		return value * 1000, true
	}
	if value, ok := event.Float("load_time"); ok {
		return value * 1000, true
	}
	return 0, false
}

func target(event model.Event) string {
	for _, key := range []string{"endpoint", "url", "page"} {
		if value := event.String(key); value != "" {
			return value
		}
	}
	return "unknown"
}

func analyzePerformance(events []model.Event) Performance {
	perf := Performance{
		ErrorRate:   errorRate(events),
		Trend:       TrendUnknown,
		Bottlenecks: []Bottleneck{},
	}
	if len(events) == 0 {
		return perf
	}

	first, last := events[0].EffectiveTimestamp(), events[len(events)-1].EffectiveTimestamp()
	minutes := (last - first) / 60
	if minutes < 1 {
		minutes = 1
	}
	perf.ThroughputPerMinute = float64(len(events)) / minutes

	samples := make([]float64, 0, len(events))
	byTarget := make(map[string]*Bottleneck)
	var total float64
	for _, event := range events {
		value, ok := responseMillis(event)
		if !ok {
			continue
		}
		if len(samples) == 0 || value < perf.MinResponseMs {
			perf.MinResponseMs = value
		}
		perf.MaxResponseMs = max(perf.MaxResponseMs, value)
		total += value
		samples = append(samples, value)

		name := target(event)
		entry, ok := byTarget[name]
		if !ok {
			entry = &Bottleneck{Target: name}
			byTarget[name] = entry
		}
		entry.AverageMs = (entry.AverageMs*float64(entry.Samples) + value) / float64(entry.Samples+1)
		entry.Samples++
		entry.MaxMs = max(entry.MaxMs, value)
	}

	perf.Samples = len(samples)
	if perf.Samples == 0 {
		return perf
	}
	perf.AvgResponseMs = total / float64(perf.Samples)
	perf.Trend = trendOf(samples)

	for _, entry := range byTarget {
		if entry.AverageMs > detector.SlowResponseMillis {
			perf.Bottlenecks = append(perf.Bottlenecks, *entry)
		}
	}
	sort.Slice(perf.Bottlenecks, func(i, j int) bool {
		if perf.Bottlenecks[i].AverageMs != perf.Bottlenecks[j].AverageMs {
			return perf.Bottlenecks[i].AverageMs > perf.Bottlenecks[j].AverageMs
		}
		return perf.Bottlenecks[i].Target < perf.Bottlenecks[j].Target
	})
	return perf
}

// trendOf compares the chronological halves by the same factor the detector
// uses for degradation trends.
func trendOf(samples []float64) string {
	if len(samples) < 2 {
		return TrendUnknown
	}
	half := len(samples) / 2
	firstAvg, secondAvg := average(samples[:half]), average(samples[half:])
	switch {
	case firstAvg > 0 && secondAvg > firstAvg*detector.TrendFactor:
		return TrendDegrading
	case secondAvg > 0 && firstAvg > secondAvg*detector.TrendFactor:
		return TrendImproving
	default:
		return TrendStable
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, value := range values {
		sum += value
	}
	return sum / float64(len(values))
}
