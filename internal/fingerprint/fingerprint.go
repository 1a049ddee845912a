// Package fingerprint derives stable cache and single-flight keys from
// request bodies. Two requests that are semantically equivalent after
// normalization produce the same fingerprint.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// floatPrecision quantizes floating-point parameters so that values
// within 1e-3 of each other collide.
const floatPrecision = 1000

// Compute returns the hex-encoded 128-bit fingerprint of (capability,
// normalized body). The body must be valid JSON.
func Compute(c domain.Capability, body json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("%w: body not valid JSON: %v", domain.ErrInvalidRequest, err)
	}
	var sb strings.Builder
	sb.WriteString(string(c))
	sb.WriteByte('|')
	writeCanonical(&sb, normalize(v))
	sum := xxh3.Hash128([]byte(sb.String()))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo), nil
}

// normalize rewrites the decoded value: strings are NFC-normalized with
// trailing whitespace trimmed, numbers are quantized, containers recurse.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(strings.TrimRight(t, " \t\r\n"))
	case float64:
		return math.Round(t*floatPrecision) / floatPrecision
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// writeCanonical serializes v deterministically: object keys sorted,
// numbers in shortest form, no insignificant whitespace.
func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		b, _ := json.Marshal(t)
		sb.Write(b)
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			b, _ := json.Marshal(k)
			sb.Write(b)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, val := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, val)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}

// BucketKey derives the batching bucket for a request: the subset of
// parameters that must be identical within one batched backend call.
// Model identity and the temperature tier partition LLM batches; other
// capabilities batch by capability alone.
func BucketKey(c domain.Capability, body json.RawMessage) string {
	var fields struct {
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature"`
	}
	_ = json.Unmarshal(body, &fields)
	model := fields.Model
	if model == "" {
		model = "default"
	}
	tier := "t0"
	if fields.Temperature != nil {
		tier = "t" + strconv.Itoa(int(math.Round(*fields.Temperature*10)))
	}
	return string(c) + "/" + model + "/" + tier
}
