package proxy

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-gateway/internal/creds"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
)

// newTestRateLimitRegistry builds a Registry backed by a real (fake) Redis
// so the exhaustion tests exercise the actual sliding-window scripts rather
// than the nil-client bypass path.
func newTestRateLimitRegistry(t *testing.T, requestsPerMinute, tokensPerMinute int) *ratelimit.Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return ratelimit.NewRegistry(rdb, requestsPerMinute, tokensPerMinute)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReqCtx(method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return ctx
}

// --- isBypass ----------------------------------------------------------------

func TestIsBypass_HealthAndMetrics(t *testing.T) {
	for _, p := range []string{"/health", "/metrics", "/docs", "/redoc", "/openapi.json"} {
		ctx := newReqCtx("GET", p)
		if !isBypass(ctx) {
			t.Errorf("expected %s to bypass", p)
		}
	}
}

func TestIsBypass_OPTIONSAlwaysBypasses(t *testing.T) {
	ctx := newReqCtx("OPTIONS", "/v1/chat/completions")
	if !isBypass(ctx) {
		t.Error("expected OPTIONS to bypass regardless of path")
	}
}

func TestIsBypass_NormalPathDoesNotBypass(t *testing.T) {
	ctx := newReqCtx("POST", "/v1/chat/completions")
	if isBypass(ctx) {
		t.Error("expected /v1/chat/completions to not bypass")
	}
}

// --- authMiddleware ------------------------------------------------------------

func TestAuthMiddleware_MissingHeaderRejected(t *testing.T) {
	credMap, _ := creds.New(nil, "", "sk-upstream")
	mw := authMiddleware(credMap)

	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	h(ctx)

	if called {
		t.Fatal("handler should not run without an Authorization header")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestAuthMiddleware_BypassPathSkipsAuth(t *testing.T) {
	credMap, _ := creds.New([]string{"sk-client"}, "", "sk-upstream")
	mw := authMiddleware(credMap)

	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newReqCtx("GET", "/health")
	h(ctx)

	if !called {
		t.Fatal("expected bypass path to reach the handler without auth")
	}
}

func TestAuthMiddleware_RejectsUnknownKeyInClosedMode(t *testing.T) {
	credMap, _ := creds.New([]string{"sk-client"}, "", "sk-upstream")
	mw := authMiddleware(credMap)
	h := mw(func(ctx *fasthttp.RequestCtx) { t.Fatal("handler must not run") })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	ctx.Request.Header.Set("Authorization", "Bearer sk-wrong")
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestAuthMiddleware_AcceptsAnyKeyInOpenMode(t *testing.T) {
	credMap, _ := creds.New(nil, "", "sk-upstream")
	mw := authMiddleware(credMap)

	var gotClientKey, gotUpstreamKey string
	h := mw(func(ctx *fasthttp.RequestCtx) {
		gotClientKey, _ = ctx.UserValue("client_key").(string)
		gotUpstreamKey, _ = ctx.UserValue("upstream_key").(string)
	})

	ctx := newReqCtx("POST", "/v1/chat/completions")
	ctx.Request.Header.Set("Authorization", "Bearer anything-goes")
	h(ctx)

	if gotClientKey != "anything-goes" {
		t.Errorf("expected client_key=anything-goes, got %q", gotClientKey)
	}
	if gotUpstreamKey != "sk-upstream" {
		t.Errorf("expected upstream_key=sk-upstream, got %q", gotUpstreamKey)
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer sk-abc", "sk-abc", true},
		{"", "", false},
		{"Basic sk-abc", "", false},
		{"Bearer ", "", false},
	}
	for _, c := range cases {
		ctx := newReqCtx("POST", "/v1/chat/completions")
		if c.header != "" {
			ctx.Request.Header.Set("Authorization", c.header)
		}
		got, ok := parseBearerToken(ctx)
		if ok != c.ok || got != c.want {
			t.Errorf("parseBearerToken(%q) = (%q, %v), want (%q, %v)", c.header, got, ok, c.want, c.ok)
		}
	}
}

// --- rateLimitMiddleware -------------------------------------------------------

func TestRateLimitMiddleware_NilRegistryPassesThrough(t *testing.T) {
	mw := rateLimitMiddleware(nil)
	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	h(ctx)

	if !called {
		t.Fatal("expected handler to run when no registry is configured")
	}
}

func TestRateLimitMiddleware_NoClientKeyPassesThrough(t *testing.T) {
	reg := ratelimit.NewRegistry(nil, 0, 0)
	mw := rateLimitMiddleware(reg)
	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	h(ctx)

	if !called {
		t.Fatal("expected handler to run when client_key is unset")
	}
}

func TestRateLimitMiddleware_RejectsWhenRequestBucketExhausted(t *testing.T) {
	reg := newTestRateLimitRegistry(t, 0, 1000000)
	mw := rateLimitMiddleware(reg)
	h := mw(func(ctx *fasthttp.RequestCtx) { t.Fatal("handler must not run") })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	ctx.SetUserValue("client_key", "sk-client")
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", ctx.Response.StatusCode())
	}
}

func TestRateLimitMiddleware_RejectsWhenTokenBucketExhausted(t *testing.T) {
	reg := newTestRateLimitRegistry(t, 1000000, 1)
	mw := rateLimitMiddleware(reg)
	h := mw(func(ctx *fasthttp.RequestCtx) { t.Fatal("handler must not run") })

	ctx := newReqCtx("POST", "/v1/chat/completions")
	ctx.SetUserValue("client_key", "sk-client")
	ctx.Request.Header.Set("Content-Length", "4000")
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", ctx.Response.StatusCode())
	}
}

func TestRateLimitMiddleware_BypassPathSkipsLimiting(t *testing.T) {
	reg := ratelimit.NewRegistry(nil, 0, 0)
	mw := rateLimitMiddleware(reg)
	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newReqCtx("GET", "/health")
	ctx.SetUserValue("client_key", "sk-client")
	h(ctx)

	if !called {
		t.Fatal("expected bypass path to skip rate limiting")
	}
}

// --- loggingMiddleware ----------------------------------------------------------

func TestLoggingMiddleware_CallsThrough(t *testing.T) {
	mw := loggingMiddleware(testLogger())
	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) {
		called = true
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := newReqCtx("GET", "/health")
	ctx.SetUserValue("request_id", "req-1")
	h(ctx)

	if !called {
		t.Fatal("expected wrapped handler to run")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}
