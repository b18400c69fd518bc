package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-gateway/internal/creds"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveGateway wires the same route table and middleware chain as
// StartWithRoutes, but serves it over an in-memory listener instead of a
// real TCP address so the full stack can be exercised with net/http clients.
func serveGateway(t *testing.T, gw *Gateway, mgmt *ManagementRoutes) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	r := router.New()
	r.POST("/v1/chat/completions", gw.handleChatCompletions)
	r.POST("/v1/completions", gw.handleCompletions)
	r.POST("/v1/embeddings", gw.handleEmbeddings)
	r.GET("/v1/models", gw.handleModels)
	r.GET("/health", gw.handleHealth)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(gw.corsOrigins),
		securityHeaders,
		loggingMiddleware(gw.log),
		authMiddleware(gw.creds),
		rateLimitMiddleware(gw.limiter),
	)

	go func() { _ = fasthttp.Serve(ln, handler) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func TestRouter_HealthBypassesAuth(t *testing.T) {
	credMap, _ := creds.New([]string{"sk-client"}, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected /health to bypass auth and return 200, got %d", resp.StatusCode)
	}
}

func TestRouter_ChatCompletionsRejectsMissingAuth(t *testing.T) {
	credMap, _ := creds.New([]string{"sk-client"}, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp, err := client.Post("http://test/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without an Authorization header, got %d", resp.StatusCode)
	}
}

func TestRouter_RateLimitRunsAfterAuth(t *testing.T) {
	credMap, _ := creds.New([]string{"sk-client"}, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	gw.limiter = ratelimit.NewRegistry(rdb, 0, 1000000)

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodPost, "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected auth to reject an unrecognized key before rate limiting runs, got %d", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req2.Header.Set("Authorization", "Bearer sk-client")
	resp2, err := client.Do(req2)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected a recognized key to still be rejected by the exhausted request bucket, got %d", resp2.StatusCode)
	}
}

func TestRouter_SecurityHeadersAndRequestIDPresent(t *testing.T) {
	credMap, _ := creds.New(nil, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id to be set by the requestID middleware")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("expected X-Content-Type-Options: nosniff, got %q", resp.Header.Get("X-Content-Type-Options"))
	}
}

func TestRouter_MetricsRouteOnlyRegisteredWhenManagementRoutesProvided(t *testing.T) {
	credMap, _ := creds.New(nil, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp, err := client.Get("http://test/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected /metrics to be unregistered without ManagementRoutes, got %d", resp.StatusCode)
	}
}

func TestRouter_UnknownRouteReturns404(t *testing.T) {
	credMap, _ := creds.New(nil, "", "sk-upstream")
	gw := testGateway(t, "http://unused", nil)
	gw.creds = credMap

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp, err := client.Get("http://test/v1/unknown")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown route, got %d", resp.StatusCode)
	}
}
