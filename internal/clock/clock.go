package clock

import "time"

// Clock 允许在服务中注入时间，活动状态推导依赖它。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed 是可手动拨动的时钟，用于测试活动窗口边界。
type Fixed struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant until Set is called.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	return f.now
}

// Set 拨动时钟。
func (f *Fixed) Set(t time.Time) {
	f.now = t.UTC()
}
