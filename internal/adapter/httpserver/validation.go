package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// fieldError is one entry of the details list returned for a 400.
type fieldError struct {
	Field string `json:"field"`
	Code  string `json:"code"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// completionRequest is the llm_completion payload.
type completionRequest struct {
	Prompt      string   `json:"prompt" validate:"required"`
	MaxTokens   int      `json:"max_tokens" validate:"omitempty,gte=1,lte=32768"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Model       string   `json:"model" validate:"omitempty,max=128"`
}

// chatMessage is one turn of an llm_chat conversation.
type chatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// chatRequest is the llm_chat payload.
type chatRequest struct {
	Messages    []chatMessage `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int           `json:"max_tokens" validate:"omitempty,gte=1,lte=32768"`
	Temperature *float64      `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Model       string        `json:"model" validate:"omitempty,max=128"`
}

// visionRequest is the vision_analyze payload. Exactly one image source
// must be present; base64 payloads are sniffed for an image MIME type.
type visionRequest struct {
	ImageURL    string          `json:"image_url" validate:"omitempty,url"`
	ImageBase64 string          `json:"image_base64"`
	Task        string          `json:"task" validate:"required,max=128"`
	Options     json.RawMessage `json:"options"`
}

// nlpRequest is the nlp_analyze payload.
type nlpRequest struct {
	Text string `json:"text" validate:"required,max=1000000"`
	Task string `json:"task" validate:"required,max=128"`
}

// dataRequest is the data_process payload.
type dataRequest struct {
	Operation string          `json:"operation" validate:"required,max=128"`
	Data      json.RawMessage `json:"data" validate:"required"`
	Options   json.RawMessage `json:"options"`
}

// validateBody decodes and validates the request body for a capability.
// It returns the details list for the 400 response when invalid.
func validateBody(c domain.Capability, body []byte) []fieldError {
	var target any
	switch c {
	case domain.CapLLMCompletion:
		target = &completionRequest{}
	case domain.CapLLMChat:
		target = &chatRequest{}
	case domain.CapVisionAnalyze:
		target = &visionRequest{}
	case domain.CapNLPAnalyze:
		target = &nlpRequest{}
	case domain.CapDataProcess:
		target = &dataRequest{}
	default:
		return []fieldError{{Field: "capability", Code: "UNKNOWN"}}
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	if err := dec.Decode(target); err != nil {
		return []fieldError{{Field: jsonErrorField(err), Code: "MALFORMED_JSON"}}
	}
	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make([]fieldError, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, fieldError{Field: fieldPath(fe), Code: strings.ToUpper(fe.Tag())})
			}
			return out
		}
		return []fieldError{{Field: "", Code: "INVALID"}}
	}
	if vr, ok := target.(*visionRequest); ok {
		return validateVision(vr)
	}
	return nil
}

func validateVision(vr *visionRequest) []fieldError {
	switch {
	case vr.ImageURL == "" && vr.ImageBase64 == "":
		return []fieldError{{Field: "image_url", Code: "ONE_OF_REQUIRED"}}
	case vr.ImageURL != "" && vr.ImageBase64 != "":
		return []fieldError{{Field: "image_base64", Code: "MUTUALLY_EXCLUSIVE"}}
	case vr.ImageBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(vr.ImageBase64)
		if err != nil {
			return []fieldError{{Field: "image_base64", Code: "INVALID_BASE64"}}
		}
		mt := mimetype.Detect(raw)
		if !strings.HasPrefix(mt.String(), "image/") {
			return []fieldError{{Field: "image_base64", Code: "NOT_AN_IMAGE"}}
		}
	}
	return nil
}

// fieldPath renders a validator namespace like "chatRequest.Messages[0].Role"
// as the JSON-ish path "messages[0].role".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				prev := rune(s[i-1])
				if prev < 'A' || prev > 'Z' {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func jsonErrorField(err error) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return ute.Field
	}
	return ""
}

// submitOptions are orchestration fields accepted on every submission
// body. They are stripped before fingerprinting and dispatch so they
// never reach a backend or perturb the cache key.
type submitOptions struct {
	AllowCache bool   `json:"allow_cache"`
	Priority   string `json:"priority"`
	TimeoutMS  int    `json:"timeout_ms"`
}

// splitOptions extracts submitOptions from the body and returns the
// body with those keys removed.
func splitOptions(body []byte) (json.RawMessage, submitOptions, error) {
	var opts submitOptions
	if err := json.Unmarshal(body, &opts); err != nil {
		return nil, opts, fmt.Errorf("%w: body must be a JSON object", domain.ErrInvalidRequest)
	}
	if opts.Priority != "" && opts.Priority != "normal" && opts.Priority != "high" {
		return nil, opts, fmt.Errorf("%w: priority must be normal or high", domain.ErrInvalidRequest)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, opts, fmt.Errorf("%w: body must be a JSON object", domain.ErrInvalidRequest)
	}
	delete(m, "allow_cache")
	delete(m, "priority")
	delete(m, "timeout_ms")
	cleaned, err := json.Marshal(m)
	if err != nil {
		return nil, opts, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return cleaned, opts, nil
}
