// internal/services/structs.go
package services

import "github.com/Corphon/EchoAgentMCP/internal/models"

// 本文件集中定义各服务与模型交互时的结构化输出类型

// StageEventBundle 单个阶段的事件生成结果
// 模型按 {"阶段": "...", "事件列表": [...]} 返回
type StageEventBundle struct {
	StageName string         `json:"阶段"`
	Events    []models.Event `json:"事件列表"`
}

// StateAnalysis 对话历史的状态分析结果
// 亲密度为必填字段，用指针区分缺失与零值
type StateAnalysis struct {
	Stage            string          `json:"阶段,omitempty"`
	Affinity         *models.FlexInt `json:"亲密度"`
	Knowledge        []string        `json:"知识点,omitempty"`
	CompletedEvents  []string        `json:"已完成事件,omitempty"`
	FirstContact     models.FlexBool `json:"首次互动,omitempty"`
	KnowledgeReserve []string        `json:"当前知识储备,omitempty"`
	CurrentStage     string          `json:"当前生命周期阶段,omitempty"`
}
