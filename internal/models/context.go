// internal/models/context.go
package models

import "time"

// EndSessionSentinel 模型回复中出现该标记即视为事件结算，会话结束
const EndSessionSentinel = "【事件结算】"

// DialogMemoryVersion 对话记忆持久化格式版本
const DialogMemoryVersion = "1.0"

// DialogueTurn 表示一轮对话消息，追加写入，不做修改
type DialogueTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	IssueID   string    `json:"issue_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Activity  string    `json:"activity,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// DialogMemory 一次会话落盘的对话记忆
type DialogMemory struct {
	Version        string         `json:"version"`
	Dialogs        []DialogueTurn `json:"dialogs"`
	CurrentEventID string         `json:"current_event_id,omitempty"`
}

// NewDialogMemory 创建带版本标记的对话记忆
func NewDialogMemory(eventID string, dialogs []DialogueTurn) *DialogMemory {
	return &DialogMemory{
		Version:        DialogMemoryVersion,
		Dialogs:        dialogs,
		CurrentEventID: eventID,
	}
}
