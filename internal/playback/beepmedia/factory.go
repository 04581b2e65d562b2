// Package beepmedia 基于 faiface/beep 提供真实的 playback.MediaFactory：
// 解码 MP3 字节并通过系统扬声器输出。扬声器在首次解码时按该片段的采样率初始化，
// 之后采样率不同的片段会被重采样。
package beepmedia

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/playback"
)

const resampleQuality = 4

// Factory 实现 playback.MediaFactory。
type Factory struct {
	client *http.Client
	logger *logrus.Logger

	initOnce   sync.Once
	initErr    error
	sampleRate beep.SampleRate
}

var _ playback.MediaFactory = (*Factory)(nil)

// NewFactory 构造工厂；client 用于原始 URL 回退，直接访问网络，不经过缓存。
func NewFactory(client *http.Client, logger *logrus.Logger) *Factory {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Factory{client: client, logger: logger}
}

// FromBytes 解码完整的 MP3 字节。
func (f *Factory) FromBytes(payload []byte) (playback.Media, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	if err := f.initSpeaker(format.SampleRate); err != nil {
		streamer.Close()
		return nil, err
	}
	return newClip(streamer, format, f.sampleRate), nil
}

// FromURL 直接下载原始 URL 并解码。
func (f *Factory) FromURL(ctx context.Context, url string) (playback.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch %s: http status %d", url, resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return f.FromBytes(payload)
}

func (f *Factory) initSpeaker(rate beep.SampleRate) error {
	f.initOnce.Do(func() {
		f.sampleRate = rate
		f.initErr = speaker.Init(rate, rate.N(time.Second/10))
		if f.initErr == nil {
			f.logger.WithField("sample_rate", int(rate)).Debug("speaker_initialized")
		}
	})
	if f.initErr != nil {
		return fmt.Errorf("initialize speaker: %w", f.initErr)
	}
	return nil
}

// clip 是一个可重复播放的片段。ctrl 的读写都在 speaker 锁内进行；
// 结束回调运行在 speaker 协程里且已持有 speaker 锁，因此只使用原子量与非阻塞发送。
type clip struct {
	source beep.StreamSeekCloser
	ctrl   *beep.Ctrl
	stream beep.Streamer
	ended  chan struct{}

	mu       sync.Mutex
	queued   atomic.Bool
	finished atomic.Bool
	closed   atomic.Bool
}

func newClip(source beep.StreamSeekCloser, format beep.Format, target beep.SampleRate) *clip {
	ctrl := &beep.Ctrl{Streamer: source, Paused: true}
	var stream beep.Streamer = ctrl
	if format.SampleRate != target {
		stream = beep.Resample(resampleQuality, format.SampleRate, target, ctrl)
	}
	return &clip{
		source: source,
		ctrl:   ctrl,
		stream: stream,
		ended:  make(chan struct{}, 1),
	}
}

func (c *clip) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("clip closed")
	}

	if c.queued.Load() {
		speaker.Lock()
		c.ctrl.Paused = false
		speaker.Unlock()
		return nil
	}

	// 片段已播完并从扬声器移除：回到开头后重新排队。
	if c.finished.Swap(false) {
		if err := c.source.Seek(0); err != nil {
			return fmt.Errorf("rewind: %w", err)
		}
	}
	c.ctrl.Paused = false
	c.queued.Store(true)
	speaker.Play(beep.Seq(c.stream, beep.Callback(c.onEnd)))
	return nil
}

func (c *clip) onEnd() {
	c.queued.Store(false)
	if c.closed.Load() {
		return
	}
	c.finished.Store(true)
	select {
	case c.ended <- struct{}{}:
	default:
	}
}

func (c *clip) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queued.Load() {
		return nil
	}
	speaker.Lock()
	c.ctrl.Paused = true
	speaker.Unlock()
	return nil
}

func (c *clip) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	speaker.Lock()
	defer speaker.Unlock()
	c.ctrl.Paused = true
	if err := c.source.Seek(0); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	c.finished.Store(false)
	return nil
}

func (c *clip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	// 置空后 Ctrl 立即结束，Seq 随之从扬声器移除。
	speaker.Lock()
	c.ctrl.Streamer = nil
	speaker.Unlock()
	return c.source.Close()
}

func (c *clip) Ended() <-chan struct{} {
	return c.ended
}
