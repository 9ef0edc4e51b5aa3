// Package devices discovers the character devices available on the
// container engine's host (so the Container Builder can map GPU/TTY/etc.
// nodes into workspace containers) and caches the result, grounded on
// dojo_plugin's get_available_devices: a short-lived container lists
// /dev, and the result is cached for a day since the host's device set
// changes rarely if ever between probes.
package devices

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL   = 24 * time.Hour
	probeImage   = "busybox:latest"
	probeTimeout = 15 * time.Second
	keyPrefix    = "dojo:devices:"
)

// Prober runs a throwaway container and reports the character devices it
// finds under /dev. Satisfied by *engine.Driver's RunProbeContainer.
type Prober interface {
	RunProbeContainer(ctx context.Context, image, user string, cmd []string, timeout time.Duration) (string, error)
}

// Cache memoizes the device probe per engine, in Redis, collapsing
// concurrent misses for the same engine with singleflight the way the
// Device Probe's description asks for — so a thundering herd of jobs
// against a cold cache runs the probe once, not once per job.
type Cache struct {
	redis  *redis.Client
	prober Prober
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewCache constructs a Cache sharing client with the job store's redis
// connection, per SPEC_FULL's note that C3's cache lives alongside C1's.
func NewCache(client *redis.Client, prober Prober, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{redis: client, prober: prober, ttl: ttl, logger: logger}
}

func cacheKey(engineBaseURL string) string {
	return keyPrefix + engineBaseURL
}

// Get returns the available device paths for engineBaseURL, probing and
// caching on miss.
func (c *Cache) Get(ctx context.Context, engineBaseURL string) ([]string, error) {
	key := cacheKey(engineBaseURL)

	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		return splitDevices(cached), nil
	}
	if err != redis.Nil {
		c.logger.Warn("device cache read failed, falling back to probe", zap.Error(err))
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.probeAndStore(ctx, engineBaseURL, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (c *Cache) probeAndStore(ctx context.Context, engineBaseURL, key string) ([]string, error) {
	out, err := c.prober.RunProbeContainer(ctx, probeImage, "root", []string{
		"/bin/sh", "-c", "find /dev -maxdepth 1 -type c",
	}, probeTimeout)
	if err != nil {
		return nil, fmt.Errorf("device probe failed for %s: %w", engineBaseURL, err)
	}

	found := splitDevices(out)
	if err := c.redis.Set(ctx, key, strings.Join(found, "\n"), c.ttl).Err(); err != nil {
		c.logger.Warn("failed to cache device probe result", zap.Error(err))
	}

	c.logger.Info("probed host devices", zap.String("engine", engineBaseURL), zap.Int("count", len(found)))
	return found, nil
}

func splitDevices(raw string) []string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
