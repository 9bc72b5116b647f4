package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":2,"b":1,"c":{"y":false,"z":true}}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestJCSIntegersPreserved(t *testing.T) {
	out, err := JCS(map[string]any{"n": 42})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"n":42`) {
		t.Fatalf("integer not preserved: %s", out)
	}
	if strings.Contains(string(out), "e+") {
		t.Fatalf("scientific notation leaked: %s", out)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"u": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "a<b>&c") {
		t.Fatalf("HTML escaping applied: %s", out)
	}
}

func TestJCSRespectsStructTags(t *testing.T) {
	type doc struct {
		Second string `json:"second"`
		First  string `json:"first"`
	}
	out, err := JCS(doc{Second: "2", First: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"first":"1","second":"2"}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalHash(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("hash not key-order independent: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestJCSBytesRejectsInvalidJSON(t *testing.T) {
	if _, err := JCSBytes([]byte("{not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestZeroHashLength(t *testing.T) {
	if len(ZeroHash) != 64 {
		t.Fatalf("zero hash must be 64 chars, got %d", len(ZeroHash))
	}
}
