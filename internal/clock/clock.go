// Package clock 提供单调时钟抽象，超时判断只依赖 time.Time 自带的单调读数。
package clock

import (
	"sync"
	"time"
)

// Clock 返回当前时间。实现必须保留单调读数，以免受墙上时钟调整影响。
type Clock interface {
	Now() time.Time
}

// System 使用 time.Now。
type System struct{}

// Now 实现 Clock。
func (System) Now() time.Time { return time.Now() }

// Manual 是可手动推进的时钟，用于测试超时场景。
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 以给定时间创建 Manual 时钟。
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now 实现 Clock。
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 将时钟向前推进 d。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// OrSystem 在 c 为空时返回系统时钟。
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
