package codepunk

import (
	"encoding/json"
	"testing"
)

func TestCallSignatureKeyOrder(t *testing.T) {
	a := CallSignature("Echo", json.RawMessage(`{"a":1,"b":"x"}`))
	b := CallSignature("echo", json.RawMessage(`{"b":"x","a":1}`))
	if a != b {
		t.Errorf("signatures differ across key order:\n%q\n%q", a, b)
	}
}

func TestCallSignatureDistinguishesArgs(t *testing.T) {
	a := CallSignature("echo", json.RawMessage(`{"a":1}`))
	b := CallSignature("echo", json.RawMessage(`{"a":2}`))
	if a == b {
		t.Error("different arguments produced the same signature")
	}
}

func TestCallSignatureNumbersVerbatim(t *testing.T) {
	// 1 and 1.0 are distinct literals and must not collapse via float64.
	a := CallSignature("echo", json.RawMessage(`{"n":1}`))
	b := CallSignature("echo", json.RawMessage(`{"n":1.0}`))
	if a == b {
		t.Error("distinct numeric literals collapsed")
	}
	// Large ints survive without float rounding.
	big := CallSignature("echo", json.RawMessage(`{"n":9007199254740993}`))
	if want := "echo\x00" + `{"n":9007199254740993}`; big != want {
		t.Errorf("big int signature = %q, want %q", big, want)
	}
}

func TestCallSignatureNFKC(t *testing.T) {
	// U+FF41 FULLWIDTH LATIN SMALL LETTER A normalizes to "a" under NFKC.
	a := CallSignature("echo", json.RawMessage(`{"s":"ａ"}`))
	b := CallSignature("echo", json.RawMessage(`{"s":"a"}`))
	if a != b {
		t.Errorf("NFKC-equal strings produced different signatures:\n%q\n%q", a, b)
	}
}

func TestCallSignatureEmptyArgs(t *testing.T) {
	got := CallSignature("echo", nil)
	if got != "echo\x00{}" {
		t.Errorf("empty-args signature = %q", got)
	}
}

func TestCanonicalJSONNested(t *testing.T) {
	got := CanonicalJSON(json.RawMessage(`{"z":{"b":2,"a":[1,"x",null,true]},"a":"v"}`))
	want := `{"a":"v","z":{"a":[1,"x",null,true],"b":2}}`
	if got != want {
		t.Errorf("CanonicalJSON = %q, want %q", got, want)
	}
}

func TestCanonicalJSONInvalidInput(t *testing.T) {
	// Invalid JSON is passed through untouched, still deterministic.
	if got := CanonicalJSON(json.RawMessage(`{broken`)); got != `{broken` {
		t.Errorf("invalid input = %q", got)
	}
}
