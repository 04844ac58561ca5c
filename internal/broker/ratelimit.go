// ratelimit.go bounds the request rate against the brokerage REST API.
//
// The broker allows roughly 20 requests per second per app key (paper mode
// is throttled harder at 2/s for order endpoints). Rather than one global
// bucket, requests are grouped by category so a burst of quote reads cannot
// starve order placement.
package broker

import (
	"golang.org/x/time/rate"

	"leverage-worker/pkg/types"
)

// RateLimiter groups limiters by endpoint category. Each gateway call waits
// on the matching limiter before sending.
type RateLimiter struct {
	Quote *rate.Limiter // price/candle/balance inquiries
	Order *rate.Limiter // place/modify/cancel
	Misc  *rate.Limiter // token, order status, buyable quantity
}

// NewRateLimiter returns limiters tuned per environment. Live mode gets the
// published 20/s budget split across categories; paper mode is far stricter
// on orders.
func NewRateLimiter(mode types.Mode) *RateLimiter {
	if mode == types.ModeLive {
		return &RateLimiter{
			Quote: rate.NewLimiter(rate.Limit(10), 10),
			Order: rate.NewLimiter(rate.Limit(5), 5),
			Misc:  rate.NewLimiter(rate.Limit(5), 5),
		}
	}
	return &RateLimiter{
		Quote: rate.NewLimiter(rate.Limit(5), 5),
		Order: rate.NewLimiter(rate.Limit(2), 2),
		Misc:  rate.NewLimiter(rate.Limit(2), 2),
	}
}
