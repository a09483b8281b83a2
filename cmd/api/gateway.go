package main

import (
	"net/http"

	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// newGatewayHandler adapts h to API Gateway HTTP API (payload v2) events.
// The gateway request id becomes the X-Request-Id when the caller sent none,
// so logs and error envelopes carry the id API Gateway reports.
func newGatewayHandler(h http.Handler) *httpadapter.HandlerAdapterV2 {
	return httpadapter.NewV2(gatewayRequestID(h))
}

func gatewayRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			if gw, ok := core.GetAPIGatewayV2ContextFromContext(r.Context()); ok && gw.RequestID != "" {
				r.Header.Set("X-Request-Id", gw.RequestID)
			}
		}
		next.ServeHTTP(w, r)
	})
}
