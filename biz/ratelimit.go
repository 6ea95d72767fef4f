package biz

import (
	"golang.org/x/time/rate"

	"github.com/vearne/tcptap/config"
)

func NewRateLimit(settings *config.AppSettings) Limiter {
	if settings.RateLimitQPS > 0 {
		value := settings.RateLimitQPS
		return rate.NewLimiter(rate.Limit(value), value)
	}
	return nil
}
