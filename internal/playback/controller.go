// Package playback 为单个音频 URL 提供播放控制与状态：优先经缓存管理器取得字节，
// 失败时退回直接从原始 URL 构造可播放对象。每个使用方持有独立的 Controller，
// 同一 URL 的多个 Controller 之间互不共享。
package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/audiocache"
	"github.com/hisnul/hisnul-cache/internal/metrics"
)

// State 是播放状态机的状态。
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText 让 Status 以可读的状态名序列化。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status 是暴露给 UI 的只读快照。
type Status struct {
	URL      string `json:"url"`
	State    State  `json:"state"`
	Playing  bool   `json:"playing"`
	Loading  bool   `json:"loading"`
	Error    string `json:"error,omitempty"`
	IsCached bool   `json:"isCached"`
}

// Media 是一个已解码、可播放的音频对象。
type Media interface {
	Play() error
	Pause() error
	// Stop 暂停并回到开头。
	Stop() error
	// Close 释放底层资源，之后不可再使用。
	Close() error
	// Ended 在片段自然播放结束时收到通知，可多次触发。
	Ended() <-chan struct{}
}

// MediaFactory 从缓存字节或原始 URL 构造 Media。
type MediaFactory interface {
	FromBytes(payload []byte) (Media, error)
	FromURL(ctx context.Context, url string) (Media, error)
}

// Resolver 解析 URL 对应的音频字节，*audiocache.Manager 满足该接口。
type Resolver interface {
	Resolve(ctx context.Context, url string) (*audiocache.Resolved, error)
}

// Option 调整 Controller 的可选依赖。
type Option func(*Controller)

// WithMetrics 记录回退次数。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller 管理一个使用方的播放状态，所有方法并发安全。
type Controller struct {
	resolver Resolver
	factory  MediaFactory
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	generation uint64
	status     Status
	media      Media
	stopWatch  chan struct{}
	closed     bool

	nextSub int
	subs    map[int]chan Status
}

// NewController 构造一个空闲状态的 Controller。
func NewController(resolver Resolver, factory MediaFactory, logger *logrus.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Controller{
		resolver: resolver,
		factory:  factory,
		logger:   logger,
		status:   Status{State: StateIdle},
		subs:     make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 切换到目标 URL 并同步完成加载。URL 与当前相同时不做任何事；
// 空 URL 释放当前资源并回到 Idle。被后续 Load 取代的结果会被直接释放。
func (c *Controller) Load(ctx context.Context, url string) Status {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.closed || (url == c.status.URL && c.status.State != StateIdle) || (url == "" && c.status.State == StateIdle) {
		status := c.status
		c.mu.Unlock()
		return status
	}
	c.generation++
	generation := c.generation
	c.releaseLocked()
	if url == "" {
		c.setLocked(Status{State: StateIdle})
		c.mu.Unlock()
		return Status{State: StateIdle}
	}
	c.setLocked(Status{URL: url, State: StateLoading, Loading: true})
	c.mu.Unlock()

	media, cached, err := c.open(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || generation != c.generation {
		if media != nil {
			_ = media.Close()
		}
		return c.status
	}
	if err != nil {
		c.logger.WithError(err).WithField("url", url).Warn("playback_failed")
		c.setLocked(Status{URL: url, State: StateFailed, Error: failureMessage(err)})
		return c.status
	}

	c.media = media
	c.stopWatch = make(chan struct{})
	go c.watch(media, c.stopWatch)
	c.setLocked(Status{URL: url, State: StateReady, IsCached: cached})
	return c.status
}

// open 先走缓存管理器，解析或解码失败时只尝试一次原始 URL。
func (c *Controller) open(ctx context.Context, url string) (Media, bool, error) {
	var cause error
	if c.resolver != nil {
		resolved, err := c.resolver.Resolve(ctx, url)
		if err == nil {
			media, decodeErr := c.factory.FromBytes(resolved.Payload)
			if decodeErr == nil {
				return media, resolved.FromCache, nil
			}
			cause = audiocache.NewDecodeError(url, decodeErr)
		} else {
			cause = err
		}
	}

	c.metrics.Fallback()
	c.logger.WithFields(logrus.Fields{
		"url":   url,
		"cause": errString(cause),
	}).Info("playback_fallback")

	media, err := c.factory.FromURL(ctx, url)
	if err != nil {
		return nil, false, audiocache.NewDecodeError(url, err)
	}
	return media, false, nil
}

func (c *Controller) watch(media Media, stop <-chan struct{}) {
	ended := media.Ended()
	for {
		select {
		case <-stop:
			return
		case _, ok := <-ended:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.media == media && c.status.State == StatePlaying {
				next := c.status
				next.State = StatePaused
				next.Playing = false
				c.setLocked(next)
			}
			c.mu.Unlock()
		}
	}
}

// Toggle 在 Playing 与 Paused 之间切换；Ready 视为暂停。Idle、Loading、Failed 时不做任何事。
func (c *Controller) Toggle() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status.State {
	case StateReady, StatePaused:
		c.playLocked()
	case StatePlaying:
		c.pauseLocked()
	}
	return c.status
}

// Play 开始或继续播放。
func (c *Controller) Play() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StateReady || c.status.State == StatePaused {
		c.playLocked()
	}
	return c.status
}

// Pause 暂停播放。
func (c *Controller) Pause() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StatePlaying {
		c.pauseLocked()
	}
	return c.status
}

// Stop 停止并回到开头，状态回到 Ready。
func (c *Controller) Stop() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != StatePlaying && c.status.State != StatePaused {
		return c.status
	}
	if err := c.media.Stop(); err != nil {
		c.failLocked(err)
		return c.status
	}
	next := c.status
	next.State = StateReady
	next.Playing = false
	c.setLocked(next)
	return c.status
}

func (c *Controller) playLocked() {
	if err := c.media.Play(); err != nil {
		c.failLocked(err)
		return
	}
	next := c.status
	next.State = StatePlaying
	next.Playing = true
	c.setLocked(next)
}

func (c *Controller) pauseLocked() {
	if err := c.media.Pause(); err != nil {
		c.failLocked(err)
		return
	}
	next := c.status
	next.State = StatePaused
	next.Playing = false
	c.setLocked(next)
}

func (c *Controller) failLocked(err error) {
	err = audiocache.NewDecodeError(c.status.URL, err)
	c.logger.WithError(err).WithField("url", c.status.URL).Warn("playback_failed")
	url := c.status.URL
	c.releaseLocked()
	c.setLocked(Status{URL: url, State: StateFailed, Error: failureMessage(err)})
}

// Close 对应使用方卸载：停止并释放资源，回到 Idle，关闭全部订阅。之后的调用均为空操作。
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.generation++
	c.releaseLocked()
	c.setLocked(Status{State: StateIdle})
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// Status 返回当前状态快照。
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe 返回状态变化通道与取消函数。通道只保留最新一次状态，慢速消费者不会阻塞 Controller。
func (c *Controller) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Status, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.status

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Controller) releaseLocked() {
	if c.stopWatch != nil {
		close(c.stopWatch)
		c.stopWatch = nil
	}
	if c.media == nil {
		return
	}
	if err := c.media.Stop(); err != nil {
		c.logger.WithError(err).WithField("url", c.status.URL).Debug("playback_stop_failed")
	}
	if err := c.media.Close(); err != nil {
		c.logger.WithError(err).WithField("url", c.status.URL).Debug("playback_release_failed")
	}
	c.media = nil
}

func (c *Controller) setLocked(status Status) {
	status.Loading = status.State == StateLoading
	status.Playing = status.State == StatePlaying
	c.status = status
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

func failureMessage(err error) string {
	return fmt.Sprintf("Unable to play audio: %v", err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
