package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"storage-rpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, respond Responder) {
			if !limiter.Allow() {
				respond(message.Errorf(message.CodeRateLimited, "rate limit exceeded"), nil)
				return
			}
			next(ctx, req, respond)
		}
	}
}
