package cache

import "github.com/tidwall/gjson"

// ShouldCache implements the admission predicate for (endpoint, body):
//
//   - stream == true: never eligible, whatever the endpoint.
//   - embeddings: otherwise always eligible (deterministic upstream).
//   - models: eligible (the caller passes a short, explicit TTL).
//   - everything else: ineligible, even when temperature == 0 and seed is
//     present — the current policy is the conservative "embeddings-only by
//     default" behavior called out as an open question in the design notes,
//     not a bug.
func ShouldCache(endpoint string, body []byte) bool {
	if gjson.GetBytes(body, "stream").Bool() {
		return false
	}

	switch endpoint {
	case "embeddings", "models":
		return true
	}

	// Conservative default: non-embeddings endpoints are never cached, even
	// when temperature is 0 and a seed is present.
	return false
}

// TTLFor returns the TTL to apply when storing a response for endpoint,
// given the configured embeddings and default TTLs. The models endpoint is
// handled by the caller with an explicit short TTL and does not go through
// this helper.
func TTLFor(endpoint string, embeddingsTTLSeconds, defaultTTLSeconds int) int {
	if endpoint == "embeddings" {
		return embeddingsTTLSeconds
	}
	return defaultTTLSeconds
}
