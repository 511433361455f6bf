package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"discord-xp-bot/internal/domain"
)

const pageTTL = 5 * time.Minute

// RedisPages реализует domain.PageCache через Redis. Кэш стоит перед
// таблицей страниц: промах уходит в Postgres, перестроение гильдии
// сбрасывает её ключи.
type RedisPages struct {
	client *redis.Client
}

// NewRedisPages создаёт кэш страниц.
func NewRedisPages(client *redis.Client) *RedisPages {
	return &RedisPages{client: client}
}

var _ domain.PageCache = (*RedisPages)(nil)

func pageKey(guildID string, pageNo int) string {
	return fmt.Sprintf("lb:%s:%d", guildID, pageNo)
}

func guildPattern(guildID string) string {
	return fmt.Sprintf("lb:%s:*", guildID)
}

// GetPage возвращает страницу или nil при промахе.
func (c *RedisPages) GetPage(ctx context.Context, guildID string, pageNo int) (*domain.RollupPage, error) {
	raw, err := c.client.Get(ctx, pageKey(guildID, pageNo)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var page domain.RollupPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// SetPage сохраняет страницу с TTL.
func (c *RedisPages) SetPage(ctx context.Context, page domain.RollupPage) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	return c.client.Set(ctx, pageKey(page.GuildID, page.PageNo), raw, pageTTL).Err()
}

// DropGuild удаляет все закэшированные страницы гильдии.
func (c *RedisPages) DropGuild(ctx context.Context, guildID string) error {
	iter := c.client.Scan(ctx, 0, guildPattern(guildID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
