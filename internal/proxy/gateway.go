// Package proxy is the core reverse-proxy dispatcher (C7): per-endpoint
// orchestration of admission, cache lookup, the upstream call, cache
// storage, and usage extraction, wired behind the C6 middleware chain.
//
// Key design constraints:
//   - Cache and metrics failures are never fatal to the request.
//   - All I/O uses context.Context so the 60s upstream timeout and client
//     disconnects propagate correctly.
//   - Streaming responses (chat completions only) are pass-through and are
//     never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/creds"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// Gateway holds every subsystem an endpoint handler needs. All dependencies
// are injected via the constructor so they can be replaced with doubles in
// unit tests.
type Gateway struct {
	creds    *creds.Map
	limiter  *ratelimit.Registry
	cache    cache.Cache
	upstream *upstream.Client
	metrics  *metrics.Registry
	log      *slog.Logger

	embeddingsTTL int // seconds
	defaultTTL    int // seconds
	modelsTTL     int // seconds, fixed at 300 per the models listing cache

	exclusions *cache.ExclusionList

	// redisPing reports whether the cache backend is reachable, for
	// /health. Nil when no backend requiring a liveness probe is configured
	// (e.g. cache disabled or an in-process backend).
	redisPing func() bool

	corsOrigins []string

	// audit records one structured entry per request for offline analysis.
	// Nil disables audit logging entirely; the human-readable request
	// start/end lines still run regardless via the C6 logging stage.
	audit *logger.Logger
}

// NewGateway builds a Gateway from its required collaborators.
func NewGateway(credMap *creds.Map, c cache.Cache, up *upstream.Client, m *metrics.Registry, log *slog.Logger, embeddingsTTLSeconds, defaultTTLSeconds int) *Gateway {
	return &Gateway{
		creds:         credMap,
		cache:         c,
		upstream:      up,
		metrics:       m,
		log:           log,
		embeddingsTTL: embeddingsTTLSeconds,
		defaultTTL:    defaultTTLSeconds,
		modelsTTL:     300,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// SetCacheExclusions injects the operator-configured cache bypass list.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) { g.exclusions = el }

// SetRedisPing injects the cache backend liveness probe used by /health.
func (g *Gateway) SetRedisPing(fn func() bool) { g.redisPing = fn }

// SetRateLimiter injects the per-client sliding-window registry used by the
// rate-limit middleware stage.
func (g *Gateway) SetRateLimiter(r *ratelimit.Registry) { g.limiter = r }

// SetAuditLogger injects the structured per-request audit logger. Passing
// nil (the default) disables audit logging.
func (g *Gateway) SetAuditLogger(l *logger.Logger) { g.audit = l }

// logAudit emits one audit entry for the request, if an audit logger is
// configured. modelOf reads "model" directly out of the raw request body
// with gjson rather than unmarshaling the whole payload, since the proxy
// never types request bodies beyond the handful of fields it inspects.
func (g *Gateway) logAudit(endpoint string, rawBody []byte, start time.Time, status int, cached bool, usage usageRecord) {
	if g.audit == nil {
		return
	}
	g.audit.Log(logger.RequestLog{
		ID:           uuid.New(),
		Endpoint:     endpoint,
		Model:        gjson.GetBytes(rawBody, "model").String(),
		InputTokens:  uint32(usage.PromptTokens),
		OutputTokens: uint32(usage.CompletionTokens),
		LatencyMs:    uint16(min(time.Since(start).Milliseconds(), 65535)),
		Status:       uint16(status),
		Cached:       cached,
		CreatedAt:    start,
	})
}

// usageRecord mirrors the upstream JSON response's "usage" object.
type usageRecord struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// extractUsage best-effort parses the usage object out of an upstream
// response body. Any parse failure or missing field yields the zero record.
func extractUsage(body []byte) usageRecord {
	var probe struct {
		Usage usageRecord `json:"usage"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Usage
}

// topLevelKeys returns the set of top-level field names present in a JSON
// object. Non-object input yields an empty set.
func topLevelKeys(raw []byte) map[string]bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	keys := make(map[string]bool, len(obj))
	for k := range obj {
		keys[k] = true
	}
	return keys
}

// fingerprintOf canonicalizes body for the given endpoint, excluding any
// top-level field the caller didn't actually set, then computes the
// deterministic cache fingerprint (§4.3).
func fingerprintOf(endpoint string, body []byte) string {
	set := topLevelKeys(body)
	trimmed := cache.ExcludeUnset(body, set)
	return cache.Fingerprint(endpoint, cache.Canonicalize(trimmed))
}

func cacheEligible(g *Gateway, endpoint string, body []byte) bool {
	if g.cache == nil {
		return false
	}
	if g.exclusions.Matches(endpoint) {
		return false
	}
	return cache.ShouldCache(endpoint, body)
}

func (g *Gateway) ttlFor(endpoint string) int {
	if endpoint == "models" {
		return g.modelsTTL
	}
	return cache.TTLFor(endpoint, g.embeddingsTTL, g.defaultTTL)
}

// withScope wraps an endpoint handler with metric-scope entry and panic
// recovery. fn owns calling scope.SetStatus and scope.Exit on every path,
// including the streaming path where Exit is deferred until the stream
// drains; the recover here only covers the case where fn panics before
// doing so itself.
func (g *Gateway) withScope(endpoint string, fn func(ctx *fasthttp.RequestCtx, scope *metrics.Scope)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		clientKey, _ := ctx.UserValue("client_key").(string)
		scope := g.metrics.EnterScope(endpoint, string(ctx.Method()), clientKey)

		defer func() {
			if r := recover(); r != nil {
				g.log.Error("handler_panic",
					slog.String("endpoint", endpoint),
					slog.Any("panic", r),
				)
				scope.SetStatus(fasthttp.StatusInternalServerError)
				scope.Exit()
				apierr.WriteInternal(ctx, "internal server error")
			}
		}()

		fn(ctx, scope)
	}
}

// upstreamCall is the shape shared by ChatCompletions/Completions/Embeddings.
type upstreamCall func(ctx context.Context, upstreamKey string, body []byte) (int, []byte, error)

// dispatchJSON implements the common C7 shape (§4.7 steps 1-5) for the three
// non-streaming-eligible, non-GET endpoints: admission check, cache lookup,
// upstream call, usage extraction, conditional cache store.
func (g *Gateway) dispatchJSON(ctx *fasthttp.RequestCtx, scope *metrics.Scope, endpoint string, call upstreamCall) {
	defer scope.Exit()
	start := time.Now()

	upstreamKey, _ := ctx.UserValue("upstream_key").(string)
	rawBody := ctx.PostBody()

	eligible := cacheEligible(g, endpoint, rawBody)
	if eligible {
		key := fingerprintOf(endpoint, rawBody)
		if cached, ok := g.cache.Get(ctx, key); ok {
			g.metrics.CacheOp("get", "hit")
			usage := extractUsage(cached)
			g.metrics.AddTokenUsage(endpoint, clientKeyOf(ctx), usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cached)
			scope.SetStatus(fasthttp.StatusOK)
			g.logAudit(endpoint, rawBody, start, fasthttp.StatusOK, true, usage)
			return
		}
		g.metrics.CacheOp("get", "miss")
	}

	status, body, err := call(ctx, upstreamKey, rawBody)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		status = ctx.Response.StatusCode()
		scope.SetStatus(status)
		g.logAudit(endpoint, rawBody, start, status, false, usageRecord{})
		return
	}

	usage := extractUsage(body)
	g.metrics.AddTokenUsage(endpoint, clientKeyOf(ctx), usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)

	if eligible {
		key := fingerprintOf(endpoint, rawBody)
		ttl := g.ttlFor(endpoint)
		if setErr := g.cache.Set(ctx, key, body, secondsToDuration(ttl)); setErr != nil {
			g.metrics.CacheOp("set", "error")
		} else {
			g.metrics.CacheOp("set", "success")
		}
	}

	ctx.Response.Header.Set("X-Cache", "MISS")
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
	scope.SetStatus(status)
	g.logAudit(endpoint, rawBody, start, status, false, usage)
}

func clientKeyOf(ctx *fasthttp.RequestCtx) string {
	k, _ := ctx.UserValue("client_key").(string)
	return k
}

// writeUpstreamError maps a *upstream.Error (or any other error) to the
// proxy's error envelope and records the upstream_errors_total counter.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	uerr, ok := err.(*upstream.Error)
	if !ok {
		g.metrics.UpstreamError("unknown", fasthttp.StatusBadGateway)
		apierr.WriteServiceUnavailable(ctx, "upstream request failed")
		return
	}

	g.metrics.UpstreamError(uerr.Kind, uerr.StatusCode)

	switch uerr.Kind {
	case "upstream_json":
		apierr.WriteUpstreamJSON(ctx, uerr.StatusCode, uerr.JSONBody)
	case "upstream_non_json":
		apierr.WriteUpstreamNonJSON(ctx, uerr.StatusCode)
	default: // "service_unavailable"
		apierr.WriteServiceUnavailable(ctx, "upstream unavailable after retry exhaustion")
	}
}

// handleChatCompletions serves POST /v1/chat/completions, branching to the
// SSE passthrough when the request body sets "stream": true.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.withScope("chat", func(ctx *fasthttp.RequestCtx, scope *metrics.Scope) {
		rawBody := ctx.PostBody()
		if requestWantsStream(rawBody) {
			g.dispatchChatStream(ctx, scope)
			return
		}
		g.dispatchJSON(ctx, scope, "chat", g.upstream.ChatCompletions)
	})(ctx)
}

func requestWantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// dispatchChatStream opens the upstream SSE stream and pipes frames to the
// client as they arrive. Streaming responses are never cached; the metric
// scope's Exit is deferred until the stream body is fully drained since
// fasthttp's SetBodyStreamWriter runs its callback after the handler
// returns.
func (g *Gateway) dispatchChatStream(ctx *fasthttp.RequestCtx, scope *metrics.Scope) {
	start := time.Now()
	upstreamKey, _ := ctx.UserValue("upstream_key").(string)
	rawBody := ctx.PostBody()

	status, upstreamBody, err := g.upstream.StreamChatCompletions(ctx, upstreamKey, rawBody)
	if err != nil {
		defer scope.Exit()
		scope.SetStatus(fasthttp.StatusBadGateway)
		g.metrics.UpstreamError("service_unavailable", fasthttp.StatusBadGateway)
		apierr.WriteServiceUnavailable(ctx, "upstream stream could not be opened")
		g.logAudit("chat", rawBody, start, fasthttp.StatusBadGateway, false, usageRecord{})
		return
	}

	if status != fasthttp.StatusOK {
		defer scope.Exit()
		body, _ := readAllAndClose(upstreamBody)
		g.metrics.UpstreamError(classifyKind(body), status)
		scope.SetStatus(status)
		ctx.SetContentType("text/event-stream")
		ctx.SetStatusCode(status)
		ctx.SetBody(streamErrorFrame(body))
		g.logAudit("chat", rawBody, start, status, false, usageRecord{})
		return
	}

	scope.SetStatus(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer upstreamBody.Close()
		defer scope.Exit()
		if err := upstream.StreamSSE(upstreamBody, w); err != nil {
			g.log.Warn("stream_sse_error", slog.String("error", err.Error()))
		}
		g.logAudit("chat", rawBody, start, fasthttp.StatusOK, false, usageRecord{})
	})
}

// readAllAndClose drains and closes an upstream stream body, used on the
// non-200 branch where no further streaming occurs.
func readAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}

func classifyKind(body []byte) string {
	var probe map[string]interface{}
	if json.Unmarshal(body, &probe) == nil {
		return "upstream_json"
	}
	return "upstream_non_json"
}

// streamErrorFrame renders a single SSE data frame carrying an error
// message, per the streaming error-translation policy in §4.5.
func streamErrorFrame(body []byte) []byte {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "upstream error"
	}
	escaped, _ := json.Marshal(msg)
	return []byte("data: {\"error\": " + string(escaped) + "}\n\n")
}

// handleCompletions serves POST /v1/completions.
func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.withScope("completions", func(ctx *fasthttp.RequestCtx, scope *metrics.Scope) {
		g.dispatchJSON(ctx, scope, "completions", g.upstream.Completions)
	})(ctx)
}

// handleEmbeddings serves POST /v1/embeddings.
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.withScope("embeddings", func(ctx *fasthttp.RequestCtx, scope *metrics.Scope) {
		g.dispatchJSON(ctx, scope, "embeddings", g.upstream.Embeddings)
	})(ctx)
}

// handleModels serves GET /v1/models with a fixed cache key (there is no
// request body to fingerprint over) and a short, explicit TTL.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	g.withScope("models", func(ctx *fasthttp.RequestCtx, scope *metrics.Scope) {
		defer scope.Exit()
		start := time.Now()

		upstreamKey, _ := ctx.UserValue("upstream_key").(string)
		key := cache.Fingerprint("models", cache.Canonicalize(nil))

		if g.cache != nil {
			if cached, ok := g.cache.Get(ctx, key); ok {
				g.metrics.CacheOp("get", "hit")
				ctx.Response.Header.Set("X-Cache", "HIT")
				ctx.SetContentType("application/json")
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetBody(cached)
				scope.SetStatus(fasthttp.StatusOK)
				g.logAudit("models", nil, start, fasthttp.StatusOK, true, usageRecord{})
				return
			}
			g.metrics.CacheOp("get", "miss")
		}

		status, body, err := g.upstream.Models(ctx, upstreamKey)
		if err != nil {
			g.writeUpstreamError(ctx, err)
			status = ctx.Response.StatusCode()
			scope.SetStatus(status)
			g.logAudit("models", nil, start, status, false, usageRecord{})
			return
		}

		if g.cache != nil {
			if setErr := g.cache.Set(ctx, key, body, secondsToDuration(g.modelsTTL)); setErr != nil {
				g.metrics.CacheOp("set", "error")
			} else {
				g.metrics.CacheOp("set", "success")
			}
		}

		ctx.Response.Header.Set("X-Cache", "MISS")
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(status)
		ctx.SetBody(body)
		scope.SetStatus(status)
		g.logAudit("models", nil, start, status, false, usageRecord{})
	})(ctx)
}

// healthBody is the §6 /health response shape.
type healthBody struct {
	Status         string `json:"status"`
	RedisConnected bool   `json:"redis_connected"`
}

// handleHealth serves GET /health. When no liveness probe is configured
// (cache disabled, or an in-process backend with no external dependency),
// the proxy reports healthy with redis_connected=false.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	connected := false
	if g.redisPing != nil {
		connected = g.redisPing()
	}

	status := fasthttp.StatusOK
	body := healthBody{Status: "healthy", RedisConnected: connected}
	if g.redisPing != nil && !connected {
		status = fasthttp.StatusServiceUnavailable
		body.Status = "degraded"
	}

	out, _ := json.Marshal(body)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(out)
}
