package filekey

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/enums"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/redis"
)

// PermissionSource returns the raw permission strings of a supplier, e.g. "FLU_FULL" or "COVID19_CREATE".
type PermissionSource interface {
	Permissions(ctx context.Context, supplier string) ([]string, error)
}

type permissionsCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	PermissionsKey(supplier string) string
}

// CachedPermissions is a read-through Redis cache in front of a PermissionSource.
// Entries live for ttl; cache failures fall back to the source.
type CachedPermissions struct {
	source PermissionSource
	cache  permissionsCache
	ttl    time.Duration
	logg   *logger.Logger
}

// NewCachedPermissions wraps source with a cache of the given ttl.
func NewCachedPermissions(source PermissionSource, cache permissionsCache, ttl time.Duration, logg *logger.Logger) (*CachedPermissions, error) {
	if source == nil {
		return nil, errors.New("permission source required")
	}
	if cache == nil {
		return nil, errors.New("permission cache required")
	}
	if ttl <= 0 {
		return nil, errors.New("permission cache ttl must be positive")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &CachedPermissions{source: source, cache: cache, ttl: ttl, logg: logg}, nil
}

// Permissions returns cached permissions or loads and caches them.
func (c *CachedPermissions) Permissions(ctx context.Context, supplier string) ([]string, error) {
	key := c.cache.PermissionsKey(supplier)
	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var perms []string
		if jsonErr := json.Unmarshal([]byte(raw), &perms); jsonErr == nil {
			return perms, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logg.Warn(c.logg.WithField(ctx, "supplier", supplier), "permission cache read failed")
	}

	perms, err := c.source.Permissions(ctx, supplier)
	if err != nil {
		return nil, err
	}
	if encoded, jsonErr := json.Marshal(perms); jsonErr == nil {
		if setErr := c.cache.Set(ctx, key, string(encoded), c.ttl); setErr != nil {
			c.logg.Warn(c.logg.WithField(ctx, "supplier", supplier), "permission cache write failed")
		}
	}
	return perms, nil
}

// AllowedOperations reduces raw permissions to the operations granted for vaccineType.
// "{VACCINE}_FULL" grants every operation.
func AllowedOperations(perms []string, vaccineType string) []enums.Operation {
	prefix := strings.ToUpper(vaccineType) + "_"
	granted := map[enums.Operation]bool{}
	for _, p := range perms {
		p = strings.ToUpper(strings.TrimSpace(p))
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(p, prefix)
		if suffix == "FULL" {
			return []enums.Operation{enums.OperationCreate, enums.OperationUpdate, enums.OperationDelete}
		}
		if op, err := enums.ParseOperation(suffix); err == nil {
			granted[op] = true
		}
	}
	var out []enums.Operation
	for _, op := range []enums.Operation{enums.OperationCreate, enums.OperationUpdate, enums.OperationDelete} {
		if granted[op] {
			out = append(out, op)
		}
	}
	return out
}
