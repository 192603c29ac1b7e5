package models

import (
	"strings"
	"time"
)

// HandoffNote 会话交接备注，创建后不修改、不删除
type HandoffNote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	AuthorID  uint      `gorm:"not null;index" json:"author_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	IsPrivate bool      `gorm:"not null" json:"is_private"`
	Tags      string    `gorm:"size:255" json:"tags"` // 逗号分隔
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Author *User `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}

// TagList 解析标签
func (n *HandoffNote) TagList() []string {
	if strings.TrimSpace(n.Tags) == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(n.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SetTags 规范化并保存标签
func (n *HandoffNote) SetTags(tags []string) {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	n.Tags = strings.Join(clean, ",")
}
