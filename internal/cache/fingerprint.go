package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Fingerprint computes the deterministic cache key for (endpoint, body):
// SHA-256 over "endpoint:" + canonical JSON of body, hex-encoded, truncated
// to 16 hex characters, prefixed with "openai_proxy:<endpoint>:".
//
// body must already be canonical JSON (see Canonicalize) so that two
// semantically identical requests — same fields, any key order — produce
// identical fingerprints.
func Fingerprint(endpoint string, canonicalBody []byte) string {
	sum := sha256.Sum256(append([]byte(endpoint+":"), canonicalBody...))
	hexSum := hex.EncodeToString(sum[:])
	return "openai_proxy:" + endpoint + ":" + hexSum[:16]
}

// Canonicalize re-serializes a JSON document with object keys sorted
// lexicographically at every nesting level and no insignificant
// whitespace, independent of the host's default map/serializer ordering.
// Invalid JSON input is returned unchanged.
func Canonicalize(raw []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return raw
	}
	return out
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			childJSON, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, childJSON...)
		}
		out = append(out, '}')
		return out, nil

	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			childJSON, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, childJSON...)
		}
		out = append(out, ']')
		return out, nil

	default:
		return json.Marshal(val)
	}
}

// ExcludeUnset removes from rawBody every top-level field whose name does
// not appear in setFields, so the fingerprint stays stable across optional
// defaults the caller never supplied (§4.7 step 2 — "excluding fields not
// set by the caller").
func ExcludeUnset(rawBody []byte, setFields map[string]bool) []byte {
	out := rawBody
	result := gjson.ParseBytes(rawBody)
	if !result.IsObject() {
		return rawBody
	}

	var toDelete []string
	result.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if !setFields[k] {
			toDelete = append(toDelete, k)
		}
		return true
	})

	for _, k := range toDelete {
		if stripped, err := sjson.DeleteBytes(out, k); err == nil {
			out = stripped
		}
	}
	return out
}
