package ai

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/local/idpcore/internal/model"
)

// defaultConfidence is assigned when the model returns a bare scalar
// instead of a {value, confidence} object.
const defaultConfidence = 70

// Flatten converts a raw decoded JSON object into a flat field map.
// Nested objects are collapsed by joining keys with underscores, so
// {"Signer1": {"Name": "X"}} becomes Signer1_Name. No nested structure
// survives into the result.
func Flatten(raw map[string]any) map[string]model.FieldValue {
	out := make(map[string]model.FieldValue, len(raw))
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out map[string]model.FieldValue, prefix string, raw map[string]any) {
	for k, v := range raw {
		name := k
		if prefix != "" {
			name = prefix + "_" + k
		}
		switch t := v.(type) {
		case map[string]any:
			if fv, ok := asFieldValue(t); ok {
				out[name] = fv
				continue
			}
			flattenInto(out, name, t)
		case []any:
			// arrays become indexed flat fields: Witness_1, Witness_2, ...
			for i, item := range t {
				idxName := fmt.Sprintf("%s_%d", name, i+1)
				if m, ok := item.(map[string]any); ok {
					if fv, ok2 := asFieldValue(m); ok2 {
						out[idxName] = fv
					} else {
						flattenInto(out, idxName, m)
					}
					continue
				}
				out[idxName] = model.FieldValue{
					Value:      toString(item),
					Confidence: defaultConfidence,
					Source:     model.SourceAIExtracted,
				}
			}
		default:
			out[name] = model.FieldValue{
				Value:      toString(v),
				Confidence: defaultConfidence,
				Source:     model.SourceAIExtracted,
			}
		}
	}
}

// asFieldValue recognizes the {value, confidence} leaf shape. An object
// with extra keys besides value/confidence is not a leaf and gets
// flattened instead.
func asFieldValue(m map[string]any) (model.FieldValue, bool) {
	rawVal, ok := m["value"]
	if !ok {
		return model.FieldValue{}, false
	}
	for k := range m {
		if k != "value" && k != "confidence" {
			return model.FieldValue{}, false
		}
	}
	conf := defaultConfidence
	if c, ok := m["confidence"]; ok {
		conf = clampConfidence(toInt(c, defaultConfidence))
	}
	return model.FieldValue{
		Value:      toString(rawVal),
		Confidence: conf,
		Source:     model.SourceAIExtracted,
	}, true
}

// OverallConfidence averages field confidences, rounded to nearest.
func OverallConfidence(data map[string]model.FieldValue) int {
	if len(data) == 0 {
		return 0
	}
	sum := 0
	for _, fv := range data {
		sum += fv.Confidence
	}
	return (sum + len(data)/2) / len(data)
}

// FieldNames returns the sorted field names, for deterministic logging.
func FieldNames(data map[string]model.FieldValue) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
