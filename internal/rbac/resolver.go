package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const grantsGenerationKey = "rbac:grants:gen"

// Resolver computes a user's effective roles and permissions from the
// persisted assignments. Results are cached in Redis with a short TTL;
// user-level writes invalidate the user's entry and role-level writes
// bump a generation counter that orphans every cached entry at once.
type Resolver struct {
	repo   Repository
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver constructs a Resolver. The cache client may be nil, in
// which case every call goes to the repository.
func NewResolver(repo Repository, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// Resolve returns the user's distinct qualifying role names and the
// deduplicated union of permission names across those roles.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (Grants, error) {
	key := r.cacheKey(ctx, userID)
	if key != "" {
		if cached, ok := r.load(ctx, key); ok {
			return cached, nil
		}
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		rows, err := r.repo.UserGrantRows(ctx, userID)
		if err != nil {
			return Grants{}, err
		}
		return collectGrants(rows), nil
	})
	if err != nil {
		return Grants{}, err
	}
	grants := v.(Grants)

	if key != "" {
		r.store(ctx, key, grants)
	}
	return grants, nil
}

// InvalidateUser drops the cached grants for one user.
func (r *Resolver) InvalidateUser(ctx context.Context, userID int64) {
	if r.cache == nil {
		return
	}
	key := r.cacheKey(ctx, userID)
	if key == "" {
		return
	}
	if err := r.cache.Del(ctx, key).Err(); err != nil {
		r.warn("grants cache invalidate", err)
	}
}

// Invalidate orphans every cached entry. Used after role-level writes
// whose blast radius spans an unknown set of users.
func (r *Resolver) Invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Incr(ctx, grantsGenerationKey).Err(); err != nil {
		r.warn("grants generation bump", err)
	}
}

func (r *Resolver) cacheKey(ctx context.Context, userID int64) string {
	if r.cache == nil {
		return fmt.Sprintf("rbac:grants:0:%d", userID)
	}
	gen, err := r.cache.Get(ctx, grantsGenerationKey).Result()
	if err != nil {
		if err != redis.Nil {
			r.warn("grants generation read", err)
			return ""
		}
		gen = "0"
	}
	return fmt.Sprintf("rbac:grants:%s:%d", gen, userID)
}

func (r *Resolver) load(ctx context.Context, key string) (Grants, bool) {
	if r.cache == nil {
		return Grants{}, false
	}
	data, err := r.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.warn("grants cache read", err)
		}
		return Grants{}, false
	}
	var grants Grants
	if err := json.Unmarshal(data, &grants); err != nil {
		return Grants{}, false
	}
	return grants, true
}

func (r *Resolver) store(ctx context.Context, key string, grants Grants) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.warn("grants cache write", err)
	}
}

func (r *Resolver) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, slog.Any("error", err))
	}
}

// collectGrants deduplicates the join rows: distinct role names, and
// the union of permission names so a permission granted through two
// roles appears once.
func collectGrants(rows []GrantRow) Grants {
	roleSet := make(map[string]struct{})
	permSet := make(map[string]struct{})
	for _, row := range rows {
		if row.RoleName != "" {
			roleSet[row.RoleName] = struct{}{}
		}
		if row.PermissionName != "" {
			permSet[row.PermissionName] = struct{}{}
		}
	}
	grants := Grants{
		Roles:       make([]string, 0, len(roleSet)),
		Permissions: make([]string, 0, len(permSet)),
	}
	for name := range roleSet {
		grants.Roles = append(grants.Roles, name)
	}
	for name := range permSet {
		grants.Permissions = append(grants.Permissions, name)
	}
	sort.Strings(grants.Roles)
	sort.Strings(grants.Permissions)
	return grants
}
