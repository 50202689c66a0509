package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_ASCIIEscaping(t *testing.T) {
	input := map[string]interface{}{
		"label": "café — \U0001f600",
	}

	// Non-ASCII runes escape to \uXXXX; astral runes become surrogate pairs.
	expected := "{\"label\":\"caf\\u00e9 \\u2014 \\ud83d\\ude00\"}"

	b, err := Canonical(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_ControlCharacters(t *testing.T) {
	b, err := Canonical(map[string]string{"s": "a\tb\nc\x01"})
	if err != nil {
		t.Fatal(err)
	}
	// Control characters without a short escape are emitted as \u sequences.
	expected := `{"s":"a\tb\nc\u0001"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_NumberTypes(t *testing.T) {
	input := map[string]interface{}{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestStableHash_Length(t *testing.T) {
	h, err := StableHash(map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 24 {
		t.Errorf("expected 24 hex chars, got %d (%s)", len(h), h)
	}
}

func TestEstimateTokens_Minimum(t *testing.T) {
	n, err := EstimateTokens("")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected minimum of 1 token, got %d", n)
	}
}

func TestCanonical_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genValue := gen.MapOf(gen.AlphaString(), gen.OneGenOf(
		gen.AlphaString().Map(func(s string) interface{} { return s }),
		gen.Int64().Map(func(n int64) interface{} { return n }),
		gen.Bool().Map(func(b bool) interface{} { return b }),
	))

	properties.Property("canonical form is pure ASCII", prop.ForAll(
		func(m map[string]interface{}) bool {
			b, err := Canonical(m)
			if err != nil {
				return false
			}
			for _, c := range b {
				if c > 0x7e {
					return false
				}
			}
			return true
		}, genValue,
	))

	properties.Property("canonical form round-trips through encoding/json", prop.ForAll(
		func(m map[string]interface{}) bool {
			b, err := Canonical(m)
			if err != nil {
				return false
			}
			var decoded map[string]interface{}
			return json.Unmarshal(b, &decoded) == nil
		}, genValue,
	))

	properties.Property("canonicalization is idempotent under re-decode", prop.ForAll(
		func(m map[string]interface{}) bool {
			b1, err := Canonical(m)
			if err != nil {
				return false
			}
			var decoded interface{}
			if err := json.Unmarshal(b1, &decoded); err != nil {
				return false
			}
			b2, err := Canonical(decoded)
			if err != nil {
				return false
			}
			return string(b1) == string(b2)
		}, genValue,
	))

	properties.Property("no insignificant whitespace outside strings", prop.ForAll(
		func(keys []string) bool {
			m := map[string]interface{}{}
			for i, k := range keys {
				m[strings.ReplaceAll(k, " ", "")] = i
			}
			b, err := Canonical(m)
			if err != nil {
				return false
			}
			return !strings.Contains(string(b), " ")
		}, gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
