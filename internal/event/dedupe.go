package event

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduper 记录近期处理过的信封 ID，用于丢弃队列重投的重复消息。
type Deduper struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDeduper 创建 Deduper，ID 在 ttl 之后过期。
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{seen: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Claim 首次见到 id 时返回 true；重复 id 返回 false。
func (d *Deduper) Claim(id string) bool {
	if d == nil || id == "" {
		return true
	}
	return d.seen.Add(id, struct{}{}, d.ttl) == nil
}

// Forget 移除 id，使后续重投可以被再次处理。
func (d *Deduper) Forget(id string) {
	if d == nil || id == "" {
		return
	}
	d.seen.Delete(id)
}

// Len 返回当前记录的 ID 数量。
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	return d.seen.ItemCount()
}
