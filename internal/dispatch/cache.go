package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"pulsecrm/internal/models"
)

// resultCache memoizes routed dispatch results in front of the
// dispatcher. Keys hash the full request shape so two requests differing
// in any tuning parameter never share an entry.
type resultCache struct {
	store *cache.Cache
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		store: cache.New(ttl, ttl/2),
	}
}

// key derives the cache key from the normalized request
func (c *resultCache) key(req models.DispatchRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%.3f|%d",
		req.Operation,
		req.ExplicitProvider,
		strings.TrimSpace(req.Prompt),
		req.SystemPrompt,
		req.SubjectID,
		req.Temperature,
		req.MaxTokens,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// get returns a copy of a cached result, if present
func (c *resultCache) get(req models.DispatchRequest) (*models.DispatchResult, bool) {
	v, found := c.store.Get(c.key(req))
	if !found {
		return nil, false
	}
	cached := v.(models.DispatchResult)
	cached.Cached = true
	return &cached, true
}

// put stores a fully successful routed result
func (c *resultCache) put(req models.DispatchRequest, result models.DispatchResult) {
	if result.Summary.FailureCount > 0 {
		return
	}
	c.store.SetDefault(c.key(req), result)
}
