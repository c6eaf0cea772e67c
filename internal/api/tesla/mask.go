package tesla

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MaskValue 只保留前后三个字符
func MaskValue(val string) string {
	if len(val) < 5 {
		return "***"
	}
	return val[:3] + "***" + val[len(val)-3:]
}

// MaskBearer 脱敏 Authorization 头
func MaskBearer(header string) string {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tok == "" {
		return header
	}
	if len(tok) <= 5 {
		return "Bearer *****"
	}
	return fmt.Sprintf("Bearer %c***%s", tok[0], tok[len(tok)-2:])
}

// MaskFields 渲染 map 用于调试日志，password/authorization/access_token 会被脱敏
func MaskFields(fields map[string]any) string {
	if fields == nil {
		return "{}"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]string, 0, len(keys))
	for _, k := range keys {
		val := fields[k]
		switch strings.ToLower(k) {
		case "password":
			val = "***"
		case "authorization", "access_token", "refresh_token", "id_token":
			if s, ok := val.(string); ok && s != "" {
				val = MaskValue(s)
			}
		}
		buf = append(buf, fmt.Sprintf("%q: %v", k, val))
	}
	return "{" + strings.Join(buf, ", ") + "}"
}

// maskHeaders 返回脱敏后的请求头副本
func maskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		v := h.Get(k)
		if strings.EqualFold(k, "Authorization") {
			v = MaskBearer(v)
		}
		out[k] = v
	}
	return out
}
