package refresher

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// 支援的文件格式
const (
	FormatYAML       = "yaml"
	FormatProperties = "properties"
)

// FlatConfig 路徑（例如 pools[0].coreSize）→ 字串值
type FlatConfig map[string]string

// Keys 回傳排序後的路徑
func (f FlatConfig) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse 解析原始文件並攤平成 FlatConfig
// 空白文件回傳空的 FlatConfig
func Parse(content []byte, format string) (FlatConfig, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return FlatConfig{}, nil
	}

	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return Flatten(doc), nil

	case FormatProperties:
		p, err := properties.Load(content, properties.UTF8)
		if err != nil {
			return nil, fmt.Errorf("parse properties: %w", err)
		}
		out := make(FlatConfig, p.Len())
		for k, v := range p.Map() {
			out[normalizeKey(k)] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

// Flatten 遞迴攤平巢狀的 map / slice
//
//   map 的 key 以 ".key" 接上，slice 的索引以 "[i]" 接上，
//   葉節點以 cast.ToString 轉成字串，nil 葉節點略過。
func Flatten(doc any) FlatConfig {
	out := FlatConfig{}
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out FlatConfig, prefix string, node any) {
	switch v := node.(type) {
	case nil:
		return
	case map[string]any:
		for k, child := range v {
			flattenInto(out, joinKey(prefix, k), child)
		}
	case map[any]any:
		for k, child := range v {
			flattenInto(out, joinKey(prefix, cast.ToString(k)), child)
		}
	case []any:
		for i, child := range v {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[normalizeKey(prefix)] = cast.ToString(v)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// normalizeKey 把 "a.[0]" 收斂成 "a[0]"
func normalizeKey(key string) string {
	return strings.ReplaceAll(key, ".[", "[")
}
