package middleware

import (
	"context"
	"time"

	"storage-rpc/message"
)

// TimeOutMiddleware answers with a Timeout error when the handler has not responded
// within timeout. The handler's context is cancelled at that point and its late
// response is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, respond Responder) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			respond = Once(respond)

			timer := time.AfterFunc(timeout, func() {
				respond(message.Errorf(message.CodeTimeout, "request timed out"), nil)
				cancel()
			})

			next(ctx, req, func(err error, result any) {
				timer.Stop()
				respond(err, result)
				cancel()
			})
		}
	}
}
