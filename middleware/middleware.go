// Package middleware wraps the server's method dispatch in an onion of cross-cutting
// concerns (logging, timeouts, rate limiting, metrics).
//
// Handlers are asynchronous: they receive a Responder and may call it later, from any
// goroutine. A middleware that wants to observe the outcome wraps the responder
// instead of waiting for a return value.
package middleware

import (
	"context"
	"sync"

	"storage-rpc/message"
)

// Responder delivers the outcome of a request. Only the first call has effect.
type Responder func(err error, result any)

type HandlerFunc func(ctx context.Context, req *message.Request, respond Responder)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Once returns a responder that forwards only its first call to respond.
func Once(respond Responder) Responder {
	var once sync.Once
	return func(err error, result any) {
		once.Do(func() { respond(err, result) })
	}
}
