package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Normalizer rewrites raw tool arguments before schema validation. Each one
// is declared by name and bound to specific tools at registration; nothing is
// ever applied globally.
type Normalizer func(args json.RawMessage) json.RawMessage

// Models sometimes wrap a literal argument in prose, e.g.
// {"message": "User message: 'hello'"}. The declared normalizers unwrap the
// known shapes; anything unrecognized passes through unchanged.
var proseWrapper = regexp.MustCompile(`(?i)^user message:\s*['"](.*)['"]$`)

// normalizers is the fixed table of declared normalizers.
var normalizers = map[string]Normalizer{
	"strip_prose_wrapper": stripProseWrapper,
	"trim_whitespace":     trimStringFields,
}

// LookupNormalizer resolves a declared normalizer by name.
func LookupNormalizer(name string) (Normalizer, bool) {
	n, ok := normalizers[name]
	return n, ok
}

// stripProseWrapper removes a "User message: '…'" wrapper from every
// top-level string field.
func stripProseWrapper(args json.RawMessage) json.RawMessage {
	return mapStringFields(args, func(s string) string {
		if m := proseWrapper.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
			return m[1]
		}
		return s
	})
}

// trimStringFields trims surrounding whitespace from top-level string fields.
func trimStringFields(args json.RawMessage) json.RawMessage {
	return mapStringFields(args, strings.TrimSpace)
}

func mapStringFields(args json.RawMessage, fn func(string) string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}
	changed := false
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		if out := fn(s); out != s {
			enc, err := json.Marshal(out)
			if err != nil {
				continue
			}
			obj[k] = enc
			changed = true
		}
	}
	if !changed {
		return args
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return out
}
