package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/models"
)

const maxUserCacheEntries = 10000

// CachedUserDirectory кэширует профили и списки по ролям на короткое время.
// Уведомления и чаты читают пользователя на каждое событие.
type CachedUserDirectory struct {
	next  UserDirectory
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]*cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	data      any
	expiresAt time.Time
}

// NewCachedUserDirectory оборачивает справочник пользователей кэшем с TTL.
func NewCachedUserDirectory(next UserDirectory, ttl time.Duration) *CachedUserDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedUserDirectory{
		next:  next,
		ttl:   ttl,
		cache: make(map[string]*cacheEntry),
		now:   time.Now,
	}
}

func userCacheKey(id uuid.UUID) string { return "user:" + id.String() }
func roleCacheKey(role string) string  { return "role:" + role }

// GetByID возвращает копию профиля, чтобы вызывающий не испортил кэш.
func (c *CachedUserDirectory) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if v, ok := c.get(userCacheKey(id)); ok {
		u := v.(models.User)
		return &u, nil
	}
	user, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(userCacheKey(id), *user)
	return user, nil
}

func (c *CachedUserDirectory) ListIDsByRole(ctx context.Context, role string) ([]uuid.UUID, error) {
	if v, ok := c.get(roleCacheKey(role)); ok {
		ids := v.([]uuid.UUID)
		return append([]uuid.UUID(nil), ids...), nil
	}
	ids, err := c.next.ListIDsByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	c.set(roleCacheKey(role), append([]uuid.UUID(nil), ids...))
	return ids, nil
}

// InvalidateUser сбрасывает профиль после изменения.
func (c *CachedUserDirectory) InvalidateUser(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, userCacheKey(id))
}

// Prune удаляет просроченные записи и возвращает их количество.
func (c *CachedUserDirectory) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *CachedUserDirectory) pruneLocked() int {
	now := c.now()
	removed := 0
	for key, entry := range c.cache {
		if now.After(entry.expiresAt) {
			delete(c.cache, key)
			removed++
		}
	}
	return removed
}

func (c *CachedUserDirectory) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (c *CachedUserDirectory) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= maxUserCacheEntries {
		c.pruneLocked()
	}
	c.cache[key] = &cacheEntry{data: value, expiresAt: c.now().Add(c.ttl)}
}
