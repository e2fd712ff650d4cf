package cloud

import (
	"sync"
	"time"

	"branch-ledger/internal/auth"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// BranchLimiter keeps one token bucket per branch.
type BranchLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

const idleLimiterTTL = time.Hour

func NewBranchLimiter(perSecond float64, burst int) *BranchLimiter {
	return &BranchLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

func (b *BranchLimiter) Allow(branchID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastGC) > idleLimiterTTL {
		for id, e := range b.limiters {
			if now.Sub(e.seen) > idleLimiterTTL {
				delete(b.limiters, id)
			}
		}
		b.lastGC = now
	}

	e, ok := b.limiters[branchID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(b.limit, b.burst)}
		b.limiters[branchID] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Middleware answers 429 once a branch exceeds its rate. It must run after
// auth.BranchJWTMiddleware.
func (b *BranchLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID, err := auth.BranchIDFromCtx(c)
		if err != nil {
			return err
		}
		if !b.Allow(branchID, time.Now()) {
			c.Set(fiber.HeaderRetryAfter, "1")
			return fiber.NewError(fiber.StatusTooManyRequests, "push rate exceeded")
		}
		return c.Next()
	}
}
