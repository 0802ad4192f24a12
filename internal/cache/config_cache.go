package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// MatrixSource is the slice of the matrix repository the cache decorates.
type MatrixSource interface {
	Create(ctx context.Context, m *repository.AuthorityMatrix) error
	GetByID(ctx context.Context, id string) (*repository.AuthorityMatrix, error)
	ListActive(ctx context.Context, authorityType string) ([]*repository.AuthorityMatrix, error)
	Deactivate(ctx context.Context, id string) error
}

// TemplateSource is the slice of the template repository the cache decorates.
type TemplateSource interface {
	Create(ctx context.Context, t *repository.WorkflowTemplate) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowTemplate, error)
	ListActive(ctx context.Context, workflowType string) ([]*repository.WorkflowTemplate, error)
	Deactivate(ctx context.Context, id string) error
}

// MatrixCache is a read-through cache over the matrix repository. Lookups of
// active matrices per authority type are cached; every write invalidates.
// A nil redis client degrades to pass-through, which keeps test fixtures and
// redis-less deployments working.
type MatrixCache struct {
	inner   MatrixSource
	redis   *redis.Client
	ttl     time.Duration
	keyBase string
	log     zerolog.Logger
}

// NewMatrixCache wraps a matrix source with redis caching.
func NewMatrixCache(inner MatrixSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *MatrixCache {
	return &MatrixCache{inner: inner, redis: rdb, ttl: ttl, keyBase: "sub008:matrix", log: log}
}

func (c *MatrixCache) key(authorityType string) string {
	return fmt.Sprintf("%s:%s", c.keyBase, authorityType)
}

// ListActive serves from redis when possible, falling back to the repository.
// Cache failures are logged and treated as misses, never surfaced.
func (c *MatrixCache) ListActive(ctx context.Context, authorityType string) ([]*repository.AuthorityMatrix, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, c.key(authorityType)).Result()
		if err == nil {
			var matrices []*repository.AuthorityMatrix
			if jsonErr := json.Unmarshal([]byte(val), &matrices); jsonErr == nil {
				return matrices, nil
			}
		} else if err != redis.Nil {
			c.log.Warn().Err(err).Str("authority_type", authorityType).Msg("matrix cache read failed")
		}
	}

	matrices, err := c.inner.ListActive(ctx, authorityType)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if data, jsonErr := json.Marshal(matrices); jsonErr == nil {
			if err := c.redis.Set(ctx, c.key(authorityType), data, c.ttl).Err(); err != nil {
				c.log.Warn().Err(err).Str("authority_type", authorityType).Msg("matrix cache write failed")
			}
		}
	}
	return matrices, nil
}

// Create writes through and invalidates the authority type's entry.
func (c *MatrixCache) Create(ctx context.Context, m *repository.AuthorityMatrix) error {
	if err := c.inner.Create(ctx, m); err != nil {
		return err
	}
	c.invalidate(ctx, c.key(m.AuthorityType))
	return nil
}

// Deactivate writes through and invalidates all matrix entries; the row's
// authority type is not known here without an extra read.
func (c *MatrixCache) Deactivate(ctx context.Context, id string) error {
	if err := c.inner.Deactivate(ctx, id); err != nil {
		return err
	}
	c.invalidateAll(ctx, c.keyBase+":*")
	return nil
}

// GetByID is not cached; it serves admin reads only.
func (c *MatrixCache) GetByID(ctx context.Context, id string) (*repository.AuthorityMatrix, error) {
	return c.inner.GetByID(ctx, id)
}

func (c *MatrixCache) invalidate(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}

func (c *MatrixCache) invalidateAll(ctx context.Context, pattern string) {
	if c.redis == nil {
		return
	}
	keys, err := c.redis.Keys(ctx, pattern).Result()
	if err != nil {
		c.log.Warn().Err(err).Str("pattern", pattern).Msg("cache invalidation scan failed")
		return
	}
	for _, key := range keys {
		c.redis.Del(ctx, key)
	}
}

// TemplateCache is the read-through cache over the template repository,
// keyed by workflow type.
type TemplateCache struct {
	inner   TemplateSource
	redis   *redis.Client
	ttl     time.Duration
	keyBase string
	log     zerolog.Logger
}

// NewTemplateCache wraps a template source with redis caching.
func NewTemplateCache(inner TemplateSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *TemplateCache {
	return &TemplateCache{inner: inner, redis: rdb, ttl: ttl, keyBase: "sub008:template", log: log}
}

func (c *TemplateCache) key(workflowType string) string {
	return fmt.Sprintf("%s:%s", c.keyBase, workflowType)
}

func (c *TemplateCache) ListActive(ctx context.Context, workflowType string) ([]*repository.WorkflowTemplate, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, c.key(workflowType)).Result()
		if err == nil {
			var templates []*repository.WorkflowTemplate
			if jsonErr := json.Unmarshal([]byte(val), &templates); jsonErr == nil {
				return templates, nil
			}
		} else if err != redis.Nil {
			c.log.Warn().Err(err).Str("workflow_type", workflowType).Msg("template cache read failed")
		}
	}

	templates, err := c.inner.ListActive(ctx, workflowType)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if data, jsonErr := json.Marshal(templates); jsonErr == nil {
			if err := c.redis.Set(ctx, c.key(workflowType), data, c.ttl).Err(); err != nil {
				c.log.Warn().Err(err).Str("workflow_type", workflowType).Msg("template cache write failed")
			}
		}
	}
	return templates, nil
}

func (c *TemplateCache) Create(ctx context.Context, t *repository.WorkflowTemplate) error {
	if err := c.inner.Create(ctx, t); err != nil {
		return err
	}
	if c.redis != nil {
		if err := c.redis.Del(ctx, c.key(t.WorkflowType)).Err(); err != nil {
			c.log.Warn().Err(err).Msg("cache invalidation failed")
		}
	}
	return nil
}

func (c *TemplateCache) Deactivate(ctx context.Context, id string) error {
	if err := c.inner.Deactivate(ctx, id); err != nil {
		return err
	}
	if c.redis != nil {
		keys, err := c.redis.Keys(ctx, c.keyBase+":*").Result()
		if err == nil {
			for _, key := range keys {
				c.redis.Del(ctx, key)
			}
		}
	}
	return nil
}

func (c *TemplateCache) GetByID(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	return c.inner.GetByID(ctx, id)
}
