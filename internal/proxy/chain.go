package proxy

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/creds"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// bypassPaths skip both the authentication and rate-limit stages.
var bypassPaths = map[string]struct{}{
	"/health":       {},
	"/metrics":      {},
	"/docs":         {},
	"/redoc":        {},
	"/openapi.json": {},
}

func isBypass(ctx *fasthttp.RequestCtx) bool {
	if string(ctx.Method()) == fasthttp.MethodOptions {
		return true
	}
	_, ok := bypassPaths[string(ctx.Path())]
	return ok
}

// loggingMiddleware logs request-start and request-end, carrying
// request_id (already attached by the requestID middleware) across both
// lines. This is the outermost of the three stages C6 defines, so it
// observes the final response regardless of what auth or rate-limit do.
func loggingMiddleware(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			reqID, _ := ctx.UserValue("request_id").(string)
			start := time.Now()

			log.Info("request_started",
				slog.String("request_id", reqID),
				slog.String("method", string(ctx.Method())),
				slog.String("url", string(ctx.RequestURI())),
				slog.String("client_ip", ctx.RemoteIP().String()),
			)

			next(ctx)

			log.Info("request_completed",
				slog.String("request_id", reqID),
				slog.Int("status_code", ctx.Response.StatusCode()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}
	}
}

// authMiddleware implements the auth stage (C6): requires Authorization:
// Bearer <token>, validates membership in the accepted set, resolves the
// upstream key, and attaches client_key/upstream_key to the context. Bypass
// paths and OPTIONS preflight skip this stage entirely.
func authMiddleware(credMap *creds.Map) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if isBypass(ctx) {
				next(ctx)
				return
			}

			token, ok := parseBearerToken(ctx)
			if !ok {
				apierr.WriteAuthError(ctx, "missing or malformed Authorization header")
				return
			}
			if !credMap.Accepts(token) {
				apierr.WriteAuthError(ctx, "invalid API key")
				return
			}
			upstreamKey, ok := credMap.Resolve(token)
			if !ok {
				apierr.WriteAuthError(ctx, "unable to map client key to an upstream key")
				return
			}

			ctx.SetUserValue("client_key", token)
			ctx.SetUserValue("upstream_key", upstreamKey)
			next(ctx)
		}
	}
}

func parseBearerToken(ctx *fasthttp.RequestCtx) (string, bool) {
	h := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	token := h[len(prefix):]
	if token == "" {
		return "", false
	}
	return token, true
}

// rateLimitMiddleware implements the rate-limit stage (C6): records one
// request in the client's requests-per-minute window, then the estimated
// token count in the client's tokens-per-minute window. Skips entirely if
// client_key is unset or on bypass paths. In open mode authMiddleware still
// sets client_key to the bearer string, so open-mode requests are limited
// per bearer.
func rateLimitMiddleware(reg *ratelimit.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if reg == nil || isBypass(ctx) {
				next(ctx)
				return
			}

			clientKey, _ := ctx.UserValue("client_key").(string)
			if clientKey == "" {
				next(ctx)
				return
			}

			if !reg.AllowRequest(ctx, clientKey) {
				apierr.WriteRateLimit(ctx)
				return
			}

			contentLength := 0
			if cl := string(ctx.Request.Header.Peek("Content-Length")); cl != "" {
				if n, err := strconv.Atoi(cl); err == nil {
					contentLength = n
				}
			}
			estimate := ratelimit.EstimateTokens(contentLength)
			if !reg.AllowTokens(ctx, clientKey, estimate) {
				apierr.WriteRateLimit(ctx)
				return
			}

			next(ctx)
		}
	}
}
