package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	responseMetaKey = "response_meta"
	cacheHitKey     = "cache_hit"
	pollIntervalKey = "poll_interval_seconds"
)

// ResponseMeta initialises per-request response metadata. Handlers add to it
// with SetCacheHit and SetPollInterval and read it back with Meta.
func ResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetCacheHit records whether the response was served from cache.
func SetCacheHit(c *gin.Context, hit bool) {
	meta(c)[cacheHitKey] = hit
}

// SetPollInterval advertises how often clients should refresh polled views.
func SetPollInterval(c *gin.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	meta(c)[pollIntervalKey] = int(interval.Seconds())
}

// Meta returns the metadata collected for the current response.
func Meta(c *gin.Context) map[string]interface{} {
	return meta(c)
}

func meta(c *gin.Context) map[string]interface{} {
	if value, exists := c.Get(responseMetaKey); exists {
		if typed, ok := value.(map[string]interface{}); ok {
			return typed
		}
	}
	fresh := make(map[string]interface{})
	c.Set(responseMetaKey, fresh)
	return fresh
}
