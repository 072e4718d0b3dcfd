// internal/models/evaluation.go
package models

// PsychDelta 会话后心理状态的带符号变化量
// 模型习惯输出 "+2" 这样的带符号字符串，用FlexInt兼容
type PsychDelta struct {
	Mood         FlexInt `json:"心情"`
	MentalHealth FlexInt `json:"心理健康度"`
	Curiosity    FlexInt `json:"求知欲"`
	SocialEnergy FlexInt `json:"社交能量"`
}

// KnowledgeDelta 会话中新增的知识关键词
type KnowledgeDelta struct {
	Added []string `json:"增加"`
}

// EventStatusChange 会话对当前事件状态的判定
type EventStatusChange struct {
	EventID string `json:"事件ID"`
	Status  string `json:"状态"` // 完成 / 失败 / 跳过
}

// StateEvaluation 状态评估器的完整输出
type StateEvaluation struct {
	Psych       PsychDelta        `json:"心理状态变化"`
	Knowledge   KnowledgeDelta    `json:"知识储备变化"`
	EventStatus EventStatusChange `json:"事件树状态"`
}

// DefaultEvaluation 评估失败时的确定性零值评估
func DefaultEvaluation() *StateEvaluation {
	return &StateEvaluation{
		Knowledge: KnowledgeDelta{Added: []string{}},
	}
}
