package refresher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/mitchellh/mapstructure"
)

// pathToken 路徑中的一段：map key 或 slice 索引
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

// Bind 將 FlatConfig 還原成 types.Config
//
// 參數：
//   - flat: 攤平的配置
//   - prefix: 只取此前綴下的路徑（例如 "hotpool"），空字串表示全部
//
// 返回值：
//   - error: 路徑不合法或值無法轉成目標型別時返回 ErrBind
func Bind(flat FlatConfig, prefix string) (types.Config, error) {
	var cfg types.Config

	tree, err := unflatten(flat, prefix)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", types.ErrBind, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", types.ErrBind, err)
	}
	if err := decoder.Decode(tree); err != nil {
		return types.Config{}, fmt.Errorf("%w: %v", types.ErrBind, err)
	}
	return cfg, nil
}

// unflatten 將路徑還原成巢狀 map / slice
func unflatten(flat FlatConfig, prefix string) (map[string]any, error) {
	var root any = map[string]any{}
	for _, key := range flat.Keys() {
		path := key
		if prefix != "" {
			if !strings.HasPrefix(key, prefix+".") {
				continue
			}
			path = strings.TrimPrefix(key, prefix+".")
		}
		if path == "" {
			continue
		}

		tokens, err := parsePath(path)
		if err != nil {
			return nil, err
		}
		// 每個 key 最多貢獻一個元素，索引不可能合法地超過 key 的數量
		for _, tok := range tokens {
			if tok.isIndex && tok.index >= len(flat) {
				return nil, fmt.Errorf("index %d in path %q out of range (%d keys)", tok.index, key, len(flat))
			}
		}
		if root, err = setPath(root, tokens, flat[key], key); err != nil {
			return nil, err
		}
	}

	tree, err := finalize(root)
	if err != nil {
		return nil, err
	}
	out, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document root is not a mapping")
	}
	return out, nil
}

// parsePath 解析 "pools[0].alarm.enable" 這類路徑
func parsePath(path string) ([]pathToken, error) {
	var tokens []pathToken
	for _, part := range strings.Split(path, ".") {
		name := part
		var indexes []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			name = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("malformed path %q", path)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, fmt.Errorf("unclosed index in path %q", path)
				}
				i, err := strconv.Atoi(rest[1:end])
				if err != nil || i < 0 {
					return nil, fmt.Errorf("bad index %q in path %q", rest[1:end], path)
				}
				indexes = append(indexes, i)
				rest = rest[end+1:]
			}
		}
		if name == "" && len(indexes) == 0 {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		if name != "" {
			tokens = append(tokens, pathToken{key: name})
		}
		for _, i := range indexes {
			tokens = append(tokens, pathToken{index: i, isIndex: true})
		}
	}
	return tokens, nil
}

// setPath 將值寫入樹中；slice 在建構時以 map[int]any 暫存
func setPath(node any, tokens []pathToken, value, key string) (any, error) {
	if len(tokens) == 0 {
		if node != nil {
			if _, leaf := node.(string); !leaf {
				return nil, fmt.Errorf("path %q is both a value and a section", key)
			}
		}
		return value, nil
	}

	tok := tokens[0]
	if tok.isIndex {
		seq, ok := node.(map[int]any)
		if node == nil {
			seq, ok = map[int]any{}, true
		}
		if !ok {
			return nil, fmt.Errorf("path %q indexes a non-sequence", key)
		}
		child, err := setPath(seq[tok.index], tokens[1:], value, key)
		if err != nil {
			return nil, err
		}
		seq[tok.index] = child
		return seq, nil
	}

	obj, ok := node.(map[string]any)
	if node == nil {
		obj, ok = map[string]any{}, true
	}
	if !ok {
		return nil, fmt.Errorf("path %q descends into a value", key)
	}
	child, err := setPath(obj[tok.key], tokens[1:], value, key)
	if err != nil {
		return nil, err
	}
	obj[tok.key] = child
	return obj, nil
}

// finalize 將 map[int]any 轉成依索引排序的 []any
//
// 索引必須從 0 連續，有缺口時返回錯誤
func finalize(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			out, err := finalize(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			v[k] = out
		}
		return v, nil
	case map[int]any:
		out := make([]any, len(v))
		for i, child := range v {
			if i >= len(v) {
				return nil, fmt.Errorf("sparse sequence: index %d with only %d elements", i, len(v))
			}
			elem, err := finalize(child)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = elem
		}
		return out, nil
	}
	return node, nil
}
