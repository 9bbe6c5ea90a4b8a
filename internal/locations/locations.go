package locations

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// UnknownName 是未知国家代码使用的显示名称
const UnknownName = "未知"

// CountryMap 用于存储国家代码到显示名称的映射
type CountryMap map[string]string

// LoadLocationsFromFile 从指定的 JSON 文件加载国家名称数据
func LoadLocationsFromFile(filePath string) (CountryMap, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法读取位置文件 '%s': %w", filePath, err)
	}
	return ParseLocations(data)
}

// ParseLocations 解析 [{"code":"US","name":"美国"}, ...] 格式的数据
func ParseLocations(data []byte) (CountryMap, error) {
	// 临时的结构，用于解析JSON数组中的每个对象
	type locationEntry struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}

	var entries []locationEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析位置文件 JSON 失败: %w", err)
	}

	// 将解析出的列表转换为map
	countries := make(CountryMap)
	for _, entry := range entries {
		if entry.Code != "" && entry.Name != "" {
			countries[strings.ToUpper(entry.Code)] = entry.Name
		}
	}

	return countries, nil
}

// DisplayName 根据国家代码查找显示名称；找不到时返回代码本身，"Unknown" 返回 UnknownName
func (cm CountryMap) DisplayName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if name, ok := cm[code]; ok {
		return name
	}
	if code == "" || code == "UNKNOWN" {
		return UnknownName
	}
	return code
}
