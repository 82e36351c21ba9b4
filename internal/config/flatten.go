package config

import (
	"sort"
	"strconv"
	"strings"
)

// secretKeys lists dot-keys whose values are masked. Any key whose last
// segment is api_key is masked too, so per-agent keys need no entry here.
var secretKeys = map[string]bool{
	"llm.api_key": true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	if secretKeys[key] {
		return true
	}
	i := strings.LastIndexByte(key, '.')
	return key[i+1:] == "api_key"
}

// Flatten turns the nested config map into dot-keys. Lists of objects,
// like agents, are expanded by index ("agents.0.system_prompt") so single
// fields can be read and set; lists of scalars stay whole.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto("", m, out)
	return out
}

func flattenInto(prefix string, v any, out map[string]any) {
	switch child := v.(type) {
	case map[string]any:
		if len(child) == 0 && prefix != "" {
			out[prefix] = child
			return
		}
		for k, val := range child {
			flattenInto(join(prefix, k), val, out)
		}
	case []any:
		if !allObjects(child) {
			out[prefix] = child
			return
		}
		for i, val := range child {
			flattenInto(join(prefix, strconv.Itoa(i)), val, out)
		}
	default:
		out[prefix] = v
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func allObjects(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, v := range list {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// Unflatten reverses Flatten. A level whose keys are exactly 0..n-1 is
// rebuilt as a list.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		cur := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[part] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return rebuildLists(root).(map[string]any)
}

func rebuildLists(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = rebuildLists(child)
	}
	if len(m) == 0 {
		return m
	}
	idx := make([]int, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || strconv.Itoa(n) != k {
			return m
		}
		idx = append(idx, n)
	}
	sort.Ints(idx)
	for i, n := range idx {
		if i != n {
			return m
		}
	}
	list := make([]any, len(idx))
	for _, n := range idx {
		list[n] = m[strconv.Itoa(n)]
	}
	return list
}

// MaskSecrets returns a copy of flat with credentials shown as "***" plus
// their last four characters. Empty and non-string values are kept.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			out[k] = v
			continue
		}
		if len(s) > 4 {
			s = s[len(s)-4:]
		}
		out[k] = "***" + s
	}
	return out
}
