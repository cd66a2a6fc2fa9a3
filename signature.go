package codepunk

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CallSignature derives a deterministic string from a tool call's name and
// canonicalized arguments. Signatures are stable across provider-assigned
// call ids, so the loop can detect the model issuing the same call twice.
//
// Canonicalization: the tool name is lowercased; argument objects have their
// keys sorted recursively; numbers keep their literal form; string values are
// NFKC-normalized so visually identical arguments compare equal.
func CallSignature(name string, args json.RawMessage) string {
	return strings.ToLower(name) + "\x00" + CanonicalJSON(args)
}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted, numbers verbatim, strings NFKC-normalized. Invalid input is
// returned as-is (still deterministic for identical bytes).
func CanonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case json.Number:
		b.WriteString(t.String())
	case string:
		enc, _ := json.Marshal(norm.NFKC.String(t))
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, el)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", t)
	}
}
