package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/repository"
)

const keyPrefix = "clinic:catalog:"

// CatalogCache is a read-through Redis cache in front of a CatalogRepository.
// Redis failures fall back to the repository.
type CatalogCache struct {
	next   repository.CatalogRepository
	client redis.UniversalClient
	ttl    time.Duration
	logger *logrus.Logger
}

var _ repository.CatalogRepository = (*CatalogCache)(nil)

func NewCatalogCache(next repository.CatalogRepository, client redis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *CatalogCache {
	return &CatalogCache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CatalogCache) ListSpecialties(ctx context.Context) ([]domain.Specialty, error) {
	return readThrough(ctx, c, keyPrefix+"specialties", func() ([]domain.Specialty, error) {
		return c.next.ListSpecialties(ctx)
	})
}

func (c *CatalogCache) ListClinicians(ctx context.Context, specialtyID int64) ([]domain.ClinicianSummary, error) {
	key := fmt.Sprintf("%sclinicians:%d", keyPrefix, specialtyID)
	return readThrough(ctx, c, key, func() ([]domain.ClinicianSummary, error) {
		return c.next.ListClinicians(ctx, specialtyID)
	})
}

func readThrough[T any](ctx context.Context, c *CatalogCache, key string, load func() ([]T, error)) ([]T, error) {
	cached, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var out []T
		if jsonErr := json.Unmarshal(cached, &out); jsonErr == nil {
			return out, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.WithFields(logrus.Fields{
			"Function": "readThrough",
			"Key":      key,
			"Error":    err,
		}).Warn("Catalog cache read failed")
	}

	out, err := load()
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(out)
	if err == nil {
		err = c.client.Set(ctx, key, encoded, c.ttl).Err()
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"Function": "readThrough",
			"Key":      key,
			"Error":    err,
		}).Warn("Catalog cache write failed")
	}
	return out, nil
}
