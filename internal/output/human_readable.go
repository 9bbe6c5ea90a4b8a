package output

import (
	"math"

	"IP_Quality_Selector_Go/pkg/model"
)

// HumanReadableResult 定义了一个对人类友好的、用于最终文件输出的数据结构
type HumanReadableResult struct {
	Rank           int     `json:"Rank"`
	Address        string  `json:"Address"`
	Country        string  `json:"Country"`
	MinDelayMS     float64 `json:"MinDelayMS"` // 最低延迟 (毫秒)
	AvgDelayMS     float64 `json:"AvgDelayMS"` // 平均延迟 (毫秒)
	Stability      float64 `json:"Stability"`  // 延迟方差
	ThroughputMbps float64 `json:"ThroughputMbps"`
	Score          float64 `json:"Score"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ToHumanReadable 将排名结果转换为对人类友好的格式。
// countries 是地址到国家显示名称的映射，可以为 nil。
func ToHumanReadable(results []model.ScoredCandidate, countries map[model.Address]string) []HumanReadableResult {
	humanResults := make([]HumanReadableResult, len(results))
	for i, r := range results {
		humanResults[i] = HumanReadableResult{
			Rank:           i + 1,
			Address:        r.Address.String(),
			Country:        countries[r.Address],
			MinDelayMS:     round2(r.MinDelayMS),
			AvgDelayMS:     round2(r.AvgDelayMS),
			Stability:      round2(r.Stability),
			ThroughputMbps: round2(r.ThroughputMbps),
			Score:          r.Score,
		}
	}
	return humanResults
}

// CountryIndex 从分组结果中建立地址到国家显示名称的映射
func CountryIndex(groups []model.RegionGroup) map[model.Address]string {
	idx := make(map[model.Address]string)
	for _, g := range groups {
		for _, r := range g.Records {
			idx[r.Address] = g.Country
		}
	}
	return idx
}
