// internal/models/goal.go
package models

// GoalSet 智能体的目标集合，整行替换式更新
type GoalSet struct {
	LongTerm  []string `json:"长期目标"`
	ShortTerm []string `json:"短期目标"`
}

// LifeEvent 建档时写入的人生大事记条目，只读
type LifeEvent struct {
	Year        FlexInt `json:"年份"`
	Age         FlexInt `json:"年龄"`
	Description string  `json:"描述"`
}
