// Package creds implements the credential map (C1): resolution of a
// proxy-issued bearer token to the upstream API key used to call the
// remote LLM API.
package creds

import (
	"encoding/json"
	"log/slog"
)

// Map resolves proxy-issued keys to upstream keys and validates membership
// in the accepted set. It is built once at startup and is read-only
// thereafter, so it requires no locking.
type Map struct {
	accepted map[string]struct{} // empty means accept-all (open mode)
	mapping  map[string]string   // proxy key -> upstream key
	fallback string              // default upstream key
}

// New builds a Map from the raw configuration inputs:
//
//   - acceptedKeys: the parsed, comma-delimited list of accepted proxy keys.
//     An empty slice means any bearer string is accepted.
//   - mappingJSON: a JSON object literal mapping proxy key -> upstream key.
//     An empty string means every client falls back to defaultUpstreamKey.
//   - defaultUpstreamKey: the upstream key used when a proxy key has no
//     entry in mappingJSON, or when mappingJSON itself is absent/unparseable.
//
// A malformed mappingJSON degrades to "default upstream key for every
// client" rather than failing startup; the caller should log once using the
// returned ok value.
func New(acceptedKeys []string, mappingJSON, defaultUpstreamKey string) (m *Map, ok bool) {
	accepted := make(map[string]struct{}, len(acceptedKeys))
	for _, k := range acceptedKeys {
		accepted[k] = struct{}{}
	}

	mapping := map[string]string{}
	ok = true
	if mappingJSON != "" {
		if err := json.Unmarshal([]byte(mappingJSON), &mapping); err != nil {
			mapping = map[string]string{}
			ok = false
		}
	}

	return &Map{
		accepted: accepted,
		mapping:  mapping,
		fallback: defaultUpstreamKey,
	}, ok
}

// LogMappingError logs the one-time warning for a malformed api_key_mapping,
// matching the propagation policy in the error handling design: non-fatal,
// logged at warning.
func LogMappingError(log *slog.Logger) {
	log.Warn("creds: api_key_mapping is not valid JSON, falling back to the default upstream key for every client")
}

// Accepts reports whether proxyKey is a member of the accepted set. In open
// mode (empty accepted set) every non-empty string is accepted.
func (m *Map) Accepts(proxyKey string) bool {
	if len(m.accepted) == 0 {
		return proxyKey != ""
	}
	_, ok := m.accepted[proxyKey]
	return ok
}

// Resolve returns the upstream key for proxyKey, falling back to the
// configured default when no explicit mapping entry exists. It returns
// ("", false) only when no default upstream key is configured — the sole
// case in which resolution fails outright.
func (m *Map) Resolve(proxyKey string) (string, bool) {
	if up, ok := m.mapping[proxyKey]; ok && up != "" {
		return up, true
	}
	if m.fallback == "" {
		return "", false
	}
	return m.fallback, true
}
