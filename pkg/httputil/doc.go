// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusAccepted, result)
//	httputil.WriteBadRequest(w, "limit must be positive")
//	httputil.WriteNotFoundError(w, "delivery not found")
//
// # Request Parsing
//
//	var req testEndpointRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
