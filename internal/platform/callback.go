package platform

import (
	"net/url"
	"strings"
)

// EncodeCallback builds button callback data of the form "type?k=v&k2=v2".
// kv holds alternating keys and values.
func EncodeCallback(typ string, kv ...string) string {
	if len(kv) < 2 {
		return typ
	}
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return typ + "?" + q.Encode()
}

// DecodeCallback splits callback data into its type and key/value data.
// Malformed query strings yield the type with no data.
func DecodeCallback(data string) (string, map[string]string) {
	typ, rawQuery, found := strings.Cut(data, "?")
	out := map[string]string{}
	if !found {
		return typ, out
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return typ, out
	}
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return typ, out
}
