package cache_test

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

func TestFingerprint_StableAcrossKeyPermutation(t *testing.T) {
	a := cache.Canonicalize([]byte(`{"b":2,"a":1,"nested":{"y":2,"x":1}}`))
	b := cache.Canonicalize([]byte(`{"a":1,"nested":{"x":1,"y":2},"b":2}`))

	fpA := cache.Fingerprint("chat", a)
	fpB := cache.Fingerprint("chat", b)

	if fpA != fpB {
		t.Fatalf("expected identical fingerprints, got %q vs %q", fpA, fpB)
	}
}

func TestFingerprint_HasExpectedShape(t *testing.T) {
	body := cache.Canonicalize([]byte(`{"model":"m"}`))
	fp := cache.Fingerprint("embeddings", body)

	const prefix = "openai_proxy:embeddings:"
	if len(fp) != len(prefix)+16 {
		t.Fatalf("expected length %d, got %d (%q)", len(prefix)+16, len(fp), fp)
	}
	if fp[:len(prefix)] != prefix {
		t.Fatalf("expected prefix %q, got %q", prefix, fp)
	}
}

func TestFingerprint_DifferentEndpointsDiffer(t *testing.T) {
	body := cache.Canonicalize([]byte(`{"model":"m"}`))
	if cache.Fingerprint("chat", body) == cache.Fingerprint("embeddings", body) {
		t.Fatal("expected different endpoints to produce different fingerprints")
	}
}

func TestCanonicalize_NoWhitespaceAndSortedKeys(t *testing.T) {
	out := cache.Canonicalize([]byte(`{ "b" : 2, "a" : 1 }`))
	if string(out) != `{"a":1,"b":2}` {
		t.Fatalf("expected canonical form, got %s", out)
	}
}

func TestExcludeUnset_RemovesFieldsNotInSetFields(t *testing.T) {
	raw := []byte(`{"model":"m","temperature":1.0,"stream":false}`)
	setFields := map[string]bool{"model": true, "stream": true}

	out := cache.ExcludeUnset(raw, setFields)

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if _, ok := decoded["temperature"]; ok {
		t.Error("expected unset field 'temperature' to be removed")
	}
	if _, ok := decoded["model"]; !ok {
		t.Error("expected set field 'model' to survive")
	}
}
