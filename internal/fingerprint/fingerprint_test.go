package fingerprint

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

func mustCompute(t *testing.T, c domain.Capability, body string) string {
	t.Helper()
	fp, err := Compute(c, json.RawMessage(body))
	if err != nil {
		t.Fatalf("compute %q: %v", body, err)
	}
	return fp
}

func TestCompute_KeyOrderIrrelevant(t *testing.T) {
	a := mustCompute(t, domain.CapNLPAnalyze, `{"text":"hello","task":"sentiment"}`)
	b := mustCompute(t, domain.CapNLPAnalyze, `{"task":"sentiment","text":"hello"}`)
	if a != b {
		t.Fatalf("key order changed fingerprint: %s vs %s", a, b)
	}
}

func TestCompute_InsignificantWhitespaceIrrelevant(t *testing.T) {
	a := mustCompute(t, domain.CapNLPAnalyze, `{"text":"hello","task":"x"}`)
	b := mustCompute(t, domain.CapNLPAnalyze, "{\n  \"text\": \"hello\",\n  \"task\": \"x\"\n}")
	if a != b {
		t.Fatalf("whitespace changed fingerprint")
	}
}

func TestCompute_TrailingWhitespaceInStringsTrimmed(t *testing.T) {
	a := mustCompute(t, domain.CapNLPAnalyze, `{"text":"hello","task":"x"}`)
	b := mustCompute(t, domain.CapNLPAnalyze, `{"text":"hello \n","task":"x"}`)
	if a != b {
		t.Fatalf("trailing whitespace changed fingerprint")
	}
	// Leading whitespace is significant.
	c := mustCompute(t, domain.CapNLPAnalyze, `{"text":" hello","task":"x"}`)
	if a == c {
		t.Fatalf("leading whitespace should change fingerprint")
	}
}

func TestCompute_UnicodeNFC(t *testing.T) {
	// "caf\u00e9" precomposed vs "cafe\u0301" decomposed.
	a := mustCompute(t, domain.CapNLPAnalyze, "{\"text\":\"caf\u00e9\",\"task\":\"x\"}")
	b := mustCompute(t, domain.CapNLPAnalyze, "{\"text\":\"cafe\u0301\",\"task\":\"x\"}")
	if a != b {
		t.Fatalf("NFC normalization not applied: %s vs %s", a, b)
	}
}

func TestCompute_FloatQuantization(t *testing.T) {
	a := mustCompute(t, domain.CapLLMCompletion, `{"prompt":"p","temperature":0.7}`)
	b := mustCompute(t, domain.CapLLMCompletion, `{"prompt":"p","temperature":0.7004}`)
	if a != b {
		t.Fatalf("values within 1e-3 should collide")
	}
	c := mustCompute(t, domain.CapLLMCompletion, `{"prompt":"p","temperature":0.71}`)
	if a == c {
		t.Fatalf("values 0.01 apart should not collide")
	}
}

func TestCompute_CapabilityPartitions(t *testing.T) {
	a := mustCompute(t, domain.CapLLMCompletion, `{"prompt":"p"}`)
	b := mustCompute(t, domain.CapLLMChat, `{"prompt":"p"}`)
	if a == b {
		t.Fatalf("same body under different capabilities must differ")
	}
}

func TestCompute_NestedContainers(t *testing.T) {
	a := mustCompute(t, domain.CapDataProcess, `{"operation":"agg","data":{"rows":[1,2,{"k":"v "}]}}`)
	b := mustCompute(t, domain.CapDataProcess, `{"data":{"rows":[1,2,{"k":"v"}]},"operation":"agg"}`)
	if a != b {
		t.Fatalf("nested normalization mismatch")
	}
}

func TestCompute_InvalidJSON(t *testing.T) {
	_, err := Compute(domain.CapNLPAnalyze, json.RawMessage(`{"text":`))
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}

func TestBucketKey(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"prompt":"a"}`, "llm_completion/default/t0"},
		{`{"prompt":"a","model":"m1"}`, "llm_completion/m1/t0"},
		{`{"prompt":"a","model":"m1","temperature":0.7}`, "llm_completion/m1/t7"},
		{`{"prompt":"a","temperature":0.74}`, "llm_completion/default/t7"},
		{`{"prompt":"a","temperature":1.5}`, "llm_completion/default/t15"},
	}
	for _, c := range cases {
		got := BucketKey(domain.CapLLMCompletion, json.RawMessage(c.body))
		if got != c.want {
			t.Fatalf("bucket key for %s: got %s want %s", c.body, got, c.want)
		}
	}
}
