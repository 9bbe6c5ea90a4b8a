package server

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// saveConfigWithComments 把 newValues 合并进现有的 YAML 文件，保留注释和键的顺序。
// 文件中没有的键追加在末尾。
func saveConfigWithComments(cfgPath string, newValues map[string]interface{}) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	// yaml.v3 unmarshals to a document node, we need the content
	docNode := root.Content[0]
	if docNode.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}
	mergeMapping(docNode, newValues)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	return os.WriteFile(cfgPath, out, 0644)
}

// mergeMapping 原地更新映射节点中的键，未出现的键按字母序追加
func mergeMapping(node *yaml.Node, values map[string]interface{}) {
	seen := make(map[string]bool, len(values))
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		if newValue, ok := values[keyNode.Value]; ok {
			setNodeValue(valNode, newValue)
			seen[keyNode.Value] = true
		}
	}

	var missing []string
	for k := range values {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		valNode := &yaml.Node{}
		setNodeValue(valNode, values[k])
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			valNode)
	}
}

// setNodeValue updates a yaml.Node's value based on the provided interface{}.
// It handles scalars, slices and nested mappings.
func setNodeValue(node *yaml.Node, value interface{}) {
	switch v := value.(type) {
	case []interface{}:
		node.Kind = yaml.SequenceNode
		node.Tag = "!!seq"
		node.Value = ""
		node.Content = []*yaml.Node{}
		for _, item := range v {
			itemNode := &yaml.Node{}
			setNodeValue(itemNode, item)
			node.Content = append(node.Content, itemNode)
		}
	case map[string]interface{}:
		if node.Kind != yaml.MappingNode {
			node.Kind = yaml.MappingNode
			node.Tag = "!!map"
			node.Value = ""
			node.Content = nil
		}
		mergeMapping(node, v)
	case nil:
		node.Kind = yaml.ScalarNode
		node.Tag = "!!null"
		node.Value = "null"
		node.Content = nil
	default:
		s := fmt.Sprintf("%v", v)
		if f, ok := v.(float64); ok {
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
		node.Kind = yaml.ScalarNode
		node.Value = s
		node.Content = nil

		// Heuristic to guess the tag
		if _, isString := v.(string); isString {
			node.Tag = "!!str"
			node.Style = 0
		} else if s == "true" || s == "false" {
			node.Tag = "!!bool"
		} else if _, err := strToInt(s); err == nil {
			node.Tag = "!!int"
		} else if _, err := strToFloat(s); err == nil {
			node.Tag = "!!float"
		} else {
			node.Tag = "!!str"
		}
	}
}

func strToFloat(s string) (float64, error) {
	var f float64
	// Use json unmarshaling to handle number parsing robustly
	return f, json.Unmarshal([]byte(s), &f)
}

func strToInt(s string) (int, error) {
	var i int
	// Use json unmarshaling to handle integer parsing robustly
	return i, json.Unmarshal([]byte(s), &i)
}
