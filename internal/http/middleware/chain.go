package middleware

import "net/http"

// Middleware decorates an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares left to right: Chain(h, A, B, C) runs A -> B ->
// C -> h, so A is the outermost wrapper, the first to see the request and
// the last to see the response.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
