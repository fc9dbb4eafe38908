package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{name}} placeholders in text with session variable
// values. A $.-prefixed placeholder is evaluated as a json path over the whole
// variable map, so {{$.order.items[0].sku}} reaches into nested structures a
// webhook deposited. Unknown references render as the empty string.
func Interpolate(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookup(ref, vars)
		if !ok {
			logger.Warn("unresolved placeholder", zap.String("ref", ref))
			return ""
		}
		return render(value)
	})
}

func lookup(ref string, vars map[string]any) (any, bool) {
	if strings.HasPrefix(ref, "$.") {
		value, err := jsonpath.JsonPathLookup(map[string]any(vars), ref)
		if err != nil {
			return nil, false
		}
		return value, true
	}
	value, ok := vars[ref]
	return value, ok
}

func render(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
