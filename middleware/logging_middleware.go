package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"storage-rpc/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, respond Responder) {
			start := time.Now()
			next(ctx, req, func(err error, result any) {
				// Log the method, the time until the handler answered, and the error if any
				ev := logger.Debug()
				if err != nil {
					ev = logger.Warn().Err(err)
				}
				ev.Str("method", req.Method).
					Uint64("id", req.ID).
					Dur("duration", time.Since(start)).
					Msg("request handled")
				respond(err, result)
			})
		}
	}
}
