package output

import (
	"path/filepath"

	"IP_Quality_Selector_Go/internal/engine"
)

const (
	ResultJSONFile   = "result.json"
	ResultCSVFile    = "result.csv"
	QuickRegionsFile = "quick_regions.txt"
	FinalRegionsFile = "final_regions.txt"
)

// WriteReport 把一次运行的结果写入 dir，返回写入的文件路径
func WriteReport(dir string, report *engine.Report) ([]string, error) {
	jsonPath := filepath.Join(dir, ResultJSONFile)
	csvPath := filepath.Join(dir, ResultCSVFile)
	quickPath := filepath.Join(dir, QuickRegionsFile)
	finalPath := filepath.Join(dir, FinalRegionsFile)

	if err := WriteRegionFile(quickPath, report.QuickRegions); err != nil {
		return nil, err
	}
	if err := WriteJSONFile(jsonPath, report.Ranked, report.FinalRegions); err != nil {
		return nil, err
	}
	if err := WriteCSVFile(csvPath, report.Ranked, report.FinalRegions); err != nil {
		return nil, err
	}
	if err := WriteRegionFile(finalPath, report.FinalRegions); err != nil {
		return nil, err
	}
	return []string{quickPath, jsonPath, csvPath, finalPath}, nil
}
