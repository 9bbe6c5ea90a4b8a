package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"IP_Quality_Selector_Go/pkg/model"
)

// WriteCSVFile 将最终结果列表写入到指定的 CSV 文件中
func WriteCSVFile(filePath string, results []model.ScoredCandidate, groups []model.RegionGroup) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建 CSV 文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	// 写入表头
	header := []string{
		"Rank",
		"IP Address",
		"Country",
		"Min Delay (ms)",
		"Avg Delay (ms)",
		"Stability",
		"Throughput (Mbps)",
		"Score",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}

	// 写入数据行
	for _, r := range ToHumanReadable(results, CountryIndex(groups)) {
		row := []string{
			strconv.Itoa(r.Rank),
			r.Address,
			r.Country,
			fmt.Sprintf("%.2f", r.MinDelayMS),
			fmt.Sprintf("%.2f", r.AvgDelayMS),
			fmt.Sprintf("%.2f", r.Stability),
			fmt.Sprintf("%.2f", r.ThroughputMbps),
			fmt.Sprintf("%.2f", r.Score),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("写入 CSV 行失败: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
