package output

import (
	"fmt"
	"os"
	"strings"

	"IP_Quality_Selector_Go/pkg/model"
)

// RegionLines 把分组结果展开为 "地址#国家 序号" 格式的行，序号在每个国家内从 01 开始
func RegionLines(groups []model.RegionGroup) []string {
	var lines []string
	for _, g := range groups {
		for i, r := range g.Records {
			lines = append(lines, fmt.Sprintf("%s#%s %02d", r.Address, g.Country, i+1))
		}
	}
	return lines
}

// WriteRegionFile 把分组结果写入文本文件，每行一个地址
func WriteRegionFile(filePath string, groups []model.RegionGroup) error {
	lines := RegionLines(groups)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		return fmt.Errorf("无法写入分组文件 '%s': %w", filePath, err)
	}
	return nil
}
