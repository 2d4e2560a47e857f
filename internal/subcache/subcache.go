// Package subcache caches the subscriber lists and delivery policies the
// dispatch pipeline looks up for every message.
package subcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lupppig/snsbus/internal/cache"
	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/metrics"
)

// DirectoryPageSize is the page size used when scanning a topic.
const DirectoryPageSize = 1000

// Directory lists a topic's subscriptions. It reports domain.ErrTopicNotFound
// when the topic is gone.
type Directory interface {
	ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error)
}

// SubInfos is a topic's confirmed subscribers in directory order, also
// indexed by subscription ARN.
type SubInfos struct {
	Ordered []domain.SubscriberInfo
	ByArn   map[string]domain.SubscriberInfo
}

type Options struct {
	Enabled bool
	TTL     time.Duration
	MaxKeys int
}

type Cache struct {
	dir     Directory
	opts    Options
	entries *cache.Expiring[*SubInfos]
	metrics *metrics.Metrics
}

func New(dir Directory, opts Options, m *metrics.Metrics) *Cache {
	if m == nil {
		m = metrics.Nop()
	}
	return &Cache{
		dir:     dir,
		opts:    opts,
		entries: cache.New[*SubInfos](opts.MaxKeys, opts.TTL),
		metrics: m,
	}
}

// GetSubInfos returns the confirmed subscribers of topicArn. A missing topic
// surfaces as domain.ErrTopicNotFound; other directory failures are
// wrapped and should be treated as transient.
func (c *Cache) GetSubInfos(ctx context.Context, topicArn string) (*SubInfos, error) {
	if !c.opts.Enabled {
		return c.scan(ctx, topicArn)
	}

	// the computation is shared with other waiters so it must outlive any one caller
	scanCtx := context.WithoutCancel(ctx)
	infos, err := c.entries.Get(topicArn, func() (*SubInfos, error) {
		return c.scan(scanCtx, topicArn)
	}, c.opts.TTL)

	switch {
	case err == nil:
		return infos, nil
	case errors.Is(err, domain.ErrCacheFull):
		c.metrics.CacheLookups.WithLabelValues("subscriptions", "full").Inc()
		logging.FromContext(ctx).Warn("subscription cache full, scanning directly",
			"code", "CACHE_FULL", "topic_arn", topicArn, "keys", c.entries.Len())
		return c.scan(ctx, topicArn)
	default:
		return nil, err
	}
}

func (c *Cache) scan(ctx context.Context, topicArn string) (*SubInfos, error) {
	infos := &SubInfos{ByArn: make(map[string]domain.SubscriberInfo)}
	token := ""
	for {
		page, next, err := c.dir.ListSubscriptionsByTopic(ctx, topicArn, token, DirectoryPageSize, true)
		if err != nil {
			if errors.Is(err, domain.ErrTopicNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("list subscriptions of %s: %w", topicArn, err)
		}
		for i := range page {
			arn := page[i].EffectiveArn()
			if arn == domain.PendingConfirmation {
				continue
			}
			if _, dup := infos.ByArn[arn]; dup {
				continue
			}
			info := page[i].Info()
			infos.Ordered = append(infos.Ordered, info)
			infos.ByArn[arn] = info
		}
		if next == "" {
			return infos, nil
		}
		token = next
	}
}

// Resolver adapts the cache to the cached endpoint job format.
func (c *Cache) Resolver(ctx context.Context) domain.SubscriberResolver {
	return func(topicArn string) (map[string]domain.SubscriberInfo, error) {
		infos, err := c.GetSubInfos(ctx, topicArn)
		if err != nil {
			return nil, err
		}
		return infos.ByArn, nil
	}
}

// Invalidate forgets topicArn so the next lookup rescans it.
func (c *Cache) Invalidate(topicArn string) {
	c.entries.Invalidate(topicArn)
}

// Len reports the number of cached topics.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats reports cache hits and misses since start.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.entries.Stats()
}
