// internal/models/event.go
package models

import (
	"strconv"
	"strings"
)

// 事件类型
const (
	EventTypeMain  = "主线"
	EventTypeSide  = "支线"
	EventTypeDaily = "日常"
)

// 事件状态，未标注状态的事件视为未开始
const (
	EventStatusCompleted = "完成"
	EventStatusFailed    = "失败"
	EventStatusSkipped   = "跳过"
)

const (
	// IntroEventID 初识事件的固定编号，每棵事件树有且仅有一个
	IntroEventID = "E001"
	// TempEventPrefix 运行期临时事件的ID前缀
	TempEventPrefix = "TEMP_"
	// TagFallback 兜底事件携带的标签
	TagFallback = "fallback"
	// TempStageName 临时事件挂靠的合成阶段名
	TempStageName = "临时阶段"
	// EventTreeVersion 事件树持久化格式版本
	EventTreeVersion = "1.0"
)

// FlexBool 容忍模型把布尔值写成字符串（"true"/"1"）
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	*b = FlexBool(s == "true" || s == "1")
	return nil
}

// FlexInt 容忍模型把整数写成字符串（"1"）
type FlexInt int

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	v, err := strconv.Atoi(s)
	if err != nil {
		*n = 0
		return nil
	}
	*n = FlexInt(v)
	return nil
}

// EventImpact 事件对智能体状态的影响，取值为自然语言描述或带符号增量（如 "+3"、"无"）
type EventImpact struct {
	Psych     string `json:"心理状态变化"`
	Knowledge string `json:"知识增长"`
	Affinity  string `json:"亲密度变化"`
}

// Event 表示事件树中的单个事件节点
// JSON 标签与模型输出格式保持一致；状态字段由评估器在会话结算后补写
type Event struct {
	EventID           string      `json:"event_id"`
	Type              string      `json:"type"`
	Name              string      `json:"name"`
	Time              string      `json:"time"`
	Location          string      `json:"location"`
	Characters        []string    `json:"characters"`
	Cause             string      `json:"cause"`
	Process           string      `json:"process"`
	Result            string      `json:"result"`
	Impact            EventImpact `json:"impact"`
	Importance        int         `json:"importance"`
	Urgency           int         `json:"urgency"`
	Tags              []string    `json:"tags"`
	TriggerConditions []string    `json:"trigger_conditions"`
	Dependencies      []string    `json:"dependencies"`
	Status            string      `json:"状态,omitempty"`
}

// IsTemporary 判断事件是否为运行期临时事件
func (e *Event) IsTemporary() bool {
	return strings.HasPrefix(e.EventID, TempEventPrefix)
}

// IsFallback 判断事件是否为生成失败后的兜底占位
func (e *Event) IsFallback() bool {
	for _, tag := range e.Tags {
		if tag == TagFallback {
			return true
		}
	}
	return false
}

// Stage 表示人生阶段及其事件列表
// 阶段规划与事件生成共用该结构，后者只填充 阶段/时间范围/事件列表
type Stage struct {
	StageNumber FlexInt  `json:"阶段编号,omitempty"`
	StageName   string   `json:"阶段"`
	TimeRange   string   `json:"时间范围"`
	StageGoal   string   `json:"阶段目标,omitempty"`
	IsStart     FlexBool `json:"是否为起点阶段,omitempty"`
	Events      []Event  `json:"事件列表"`
}

// EventTree 表示一个智能体的完整事件树
// 持久化时外层包裹 {"version":"1.0","event_tree":[...]}
type EventTree struct {
	Version string  `json:"version"`
	Stages  []Stage `json:"event_tree"`
}

// NewEventTree 创建带版本标记的空事件树
func NewEventTree() *EventTree {
	return &EventTree{Version: EventTreeVersion}
}

// FindEvent 在所有阶段中线性查找指定ID的事件
func (t *EventTree) FindEvent(eventID string) (*Event, bool) {
	for i := range t.Stages {
		for j := range t.Stages[i].Events {
			if t.Stages[i].Events[j].EventID == eventID {
				return &t.Stages[i].Events[j], true
			}
		}
	}
	return nil, false
}

// IntroEvent 返回初识事件（E001）
func (t *EventTree) IntroEvent() (*Event, bool) {
	return t.FindEvent(IntroEventID)
}

// NextPending 返回第一个状态不为"完成"的事件，按阶段顺序扫描
func (t *EventTree) NextPending() (*Event, bool) {
	for i := range t.Stages {
		for j := range t.Stages[i].Events {
			if t.Stages[i].Events[j].Status != EventStatusCompleted {
				return &t.Stages[i].Events[j], true
			}
		}
	}
	return nil, false
}

// AllEvents 展平所有阶段的事件
func (t *EventTree) AllEvents() []Event {
	var events []Event
	for i := range t.Stages {
		events = append(events, t.Stages[i].Events...)
	}
	return events
}

// CompletedEventIDs 返回已完成事件的ID列表
func (t *EventTree) CompletedEventIDs() []string {
	var ids []string
	for i := range t.Stages {
		for _, ev := range t.Stages[i].Events {
			if ev.Status == EventStatusCompleted {
				ids = append(ids, ev.EventID)
			}
		}
	}
	return ids
}

// AppendTempEvent 将临时事件追加到最后一个阶段
// 树为空时创建一个合成的临时阶段来承载它
func (t *EventTree) AppendTempEvent(ev Event) {
	if len(t.Stages) == 0 {
		t.Stages = append(t.Stages, Stage{StageName: TempStageName})
	}
	last := &t.Stages[len(t.Stages)-1]
	last.Events = append(last.Events, ev)
}

// Validate 检查事件树的结构约束，返回违规描述列表
// 违规不阻断使用，调用方自行决定是否接受
func (t *EventTree) Validate() []string {
	var problems []string
	introCount := 0
	for i := range t.Stages {
		for _, ev := range t.Stages[i].Events {
			if ev.EventID == IntroEventID {
				introCount++
			}
			switch ev.Type {
			case EventTypeMain:
				if ev.Importance < 4 {
					problems = append(problems, "主线事件 "+ev.EventID+" 重要性不足4")
				}
				if len(ev.Dependencies) == 0 {
					problems = append(problems, "主线事件 "+ev.EventID+" 缺少依赖事件")
				}
			case EventTypeSide:
				if ev.Importance < 3 || ev.Importance > 4 {
					problems = append(problems, "支线事件 "+ev.EventID+" 重要性应在3-4之间")
				}
			case EventTypeDaily:
				if ev.Importance > 2 {
					problems = append(problems, "日常事件 "+ev.EventID+" 重要性超过2")
				}
			}
		}
	}
	if introCount != 1 {
		problems = append(problems, "事件树应有且仅有一个初识事件 E001")
	}
	return problems
}
