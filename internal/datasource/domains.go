package datasource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoDomains 表示域名列表为空
var ErrNoDomains = errors.New("datasource: no domains configured")

// LoadDomainsFromFile 从指定路径的文件中读取域名列表。
// 它会忽略空行和以 '#' 开头的注释行。
func LoadDomainsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开域名文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	domains, err := ParseDomains(file)
	if err != nil {
		return nil, fmt.Errorf("域名文件 '%s': %w", filePath, err)
	}
	return domains, nil
}

// ParseDomains 逐行读取域名，去重并保持首次出现的顺序。
// 行内 '#' 之后的内容视为注释。
func ParseDomains(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		domains = append(domains, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取域名列表时出错: %w", err)
	}

	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	return domains, nil
}
