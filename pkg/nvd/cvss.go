package nvd

import (
	"encoding/json"

	"github.com/akaBetsy/cpss/pkg/types"
)

type cvssMetric struct {
	Type     string `json:"type"`
	CvssData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

type cveMetrics struct {
	Metrics struct {
		CvssMetricV31 []cvssMetric `json:"cvssMetricV31"`
		CvssMetricV40 []cvssMetric `json:"cvssMetricV40"`
	} `json:"metrics"`
}

// SummarizeCvss pulls the v3.1 and v4.0 base metrics out of a raw CVE
// object. When several sources scored the CVE the Primary entry wins,
// otherwise the first listed one is taken.
func SummarizeCvss(raw json.RawMessage) types.CvssSummary {
	var parsed cveMetrics
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return types.CvssSummary{}
	}

	var summary types.CvssSummary
	if m := pickMetric(parsed.Metrics.CvssMetricV31); m != nil {
		score := m.CvssData.BaseScore
		summary.V31BaseScore = &score
		summary.V31BaseSeverity = m.CvssData.BaseSeverity
		summary.V31VectorString = m.CvssData.VectorString
	}
	if m := pickMetric(parsed.Metrics.CvssMetricV40); m != nil {
		score := m.CvssData.BaseScore
		summary.V40BaseScore = &score
		summary.V40BaseSeverity = m.CvssData.BaseSeverity
		summary.V40VectorString = m.CvssData.VectorString
	}
	return summary
}

func pickMetric(metrics []cvssMetric) *cvssMetric {
	if len(metrics) == 0 {
		return nil
	}
	for i, m := range metrics {
		if m.Type == "Primary" {
			return &metrics[i]
		}
	}
	return &metrics[0]
}
