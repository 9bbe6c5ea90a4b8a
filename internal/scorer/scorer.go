// Package scorer 计算综合评分、按百分比截取候选，并生成排序和分组后的结果。
package scorer

import (
	"math"
	"sort"

	"IP_Quality_Selector_Go/internal/locations"
	"IP_Quality_Selector_Go/pkg/model"
)

const (
	latencyWeight   = 0.4
	bandwidthWeight = 0.3
	stabilityWeight = 0.3
)

// Score 计算综合评分，保留两位小数：
// 延迟 max(0, 100-avg/2)×0.4 + 带宽 min(100, bw×10)×0.3 + 稳定性 max(0, 100-stability/10)×0.3。
// 第一个参数是最低延迟，目前不参与计算。
func Score(_, avgDelay, bandwidth, stability float64) float64 {
	latency := math.Max(0, 100-avgDelay/2)
	bw := math.Min(100, bandwidth*10)
	stable := math.Max(0, 100-stability/10)
	total := latency*latencyWeight + bw*bandwidthWeight + stable*stabilityWeight
	return math.Round(total*100) / 100
}

// TopPercent 按平均延迟升序排序（稳定排序），保留前 ceil(n×pct/100) 个，非空输入至少保留 1 个。
// 不修改输入切片。
func TopPercent(results []model.ProbeResult, pct float64) []model.ProbeResult {
	n := len(results)
	if n == 0 {
		return nil
	}
	sorted := append([]model.ProbeResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AvgDelayMS < sorted[j].AvgDelayMS
	})

	keep := int(math.Ceil(float64(n) * pct / 100))
	if keep < 1 {
		keep = 1
	}
	if keep > n {
		keep = n
	}
	return sorted[:keep]
}

// Candidate 由稳定性测试和带宽测试结果生成评分记录
func Candidate(probe model.ProbeResult, bw model.BandwidthResult) model.ScoredCandidate {
	return model.ScoredCandidate{
		Address:        probe.Address,
		MinDelayMS:     probe.MinDelayMS,
		AvgDelayMS:     probe.AvgDelayMS,
		Stability:      probe.Stability,
		ThroughputMbps: bw.ThroughputMbps,
		Score:          Score(probe.MinDelayMS, probe.AvgDelayMS, bw.ThroughputMbps, probe.Stability),
	}
}

// Rank 按评分降序稳定排序，评分相同时保持原有顺序。不修改输入切片。
func Rank(candidates []model.ScoredCandidate) []model.ScoredCandidate {
	ranked := append([]model.ScoredCandidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// GroupByRegion 按国家显示名称分组，分组顺序和组内顺序都沿用输入顺序
func GroupByRegion(records []model.RegionRecord, names locations.CountryMap) []model.RegionGroup {
	index := make(map[string]int)
	var groups []model.RegionGroup
	for _, rec := range records {
		name := names.DisplayName(rec.CountryCode)
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, model.RegionGroup{Country: name})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	return groups
}
