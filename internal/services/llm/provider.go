package llm

import (
	"context"
	"time"

	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"golang.org/x/time/rate"
)

// rateLimited wraps an LLMService with a process-wide request rate
// limit. Waiting respects the caller's deadline so a phase timeout is
// never extended by queueing.
type rateLimited struct {
	inner   interfaces.LLMService
	limiter *rate.Limiter
}

// WithRateLimit wraps a service so calls are spaced at least interval
// apart. A non-positive interval returns the service unchanged.
func WithRateLimit(service interfaces.LLMService, interval time.Duration) interfaces.LLMService {
	if interval <= 0 {
		return service
	}
	return &rateLimited{
		inner:   service,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (r *rateLimited) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", models.WrapError(models.KindLLMTimeout, err, "rate limit wait interrupted")
	}
	return r.inner.Chat(ctx, messages)
}

func (r *rateLimited) Provider() string {
	return r.inner.Provider()
}
