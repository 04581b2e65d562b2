package audiocache

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Controls 把管理器操作包装成面向用户的提示文本，失败时只返回消息，不返回结构化错误。
type Controls struct {
	manager *Manager
}

// NewControls 绑定一个管理器。
func NewControls(manager *Manager) *Controls {
	return &Controls{manager: manager}
}

// EntryCount 返回缓存条目数及提示文本；存储不可用时条目数为 0。
func (c *Controls) EntryCount(ctx context.Context) (int, string) {
	count, err := c.manager.SizeEstimate(ctx)
	if err != nil {
		if IsKind(err, KindStorageUnavailable) {
			return 0, "Offline audio storage is not available"
		}
		return 0, "Unable to read audio cache"
	}
	return count, countMessage(count)
}

// ClearAll 清空缓存并返回提示文本与是否成功。
func (c *Controls) ClearAll(ctx context.Context) (string, bool) {
	if err := c.manager.EvictAll(ctx); err != nil {
		if IsKind(err, KindStorageUnavailable) {
			return "Offline audio storage is not available", false
		}
		return "Failed to clear audio cache", false
	}
	return "Audio cache cleared", true
}

func countMessage(count int) string {
	switch count {
	case 0:
		return "No audio files cached"
	case 1:
		return "1 audio file cached"
	default:
		return fmt.Sprintf("%s audio files cached", humanize.Comma(int64(count)))
	}
}
