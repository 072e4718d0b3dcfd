// internal/models/agent.go
package models

// PsychState 智能体的心理状态量表
type PsychState struct {
	Mood         int `json:"心情"`
	MentalHealth int `json:"心理健康度"`
	Curiosity    int `json:"求知欲"`
	SocialEnergy int `json:"社交能量"`
}

// KnowledgeSystem 知识体系：领域划分加上具体的知识储备条目
type KnowledgeSystem struct {
	Domains []string `json:"领域,omitempty"`
	Reserve []string `json:"知识储备"`
}

// StatusTag 状态标签，带触发条件与影响说明
type StatusTag struct {
	Name    string `json:"名称"`
	Trigger string `json:"触发条件"`
	Effect  string `json:"影响"`
	Basis   string `json:"存在依据"`
}

// ExperienceTag 经历标签
type ExperienceTag struct {
	Name    string `json:"名称"`
	Trigger string `json:"触发条件,omitempty"`
	Effect  string `json:"影响,omitempty"`
	Basis   string `json:"存在依据,omitempty"`
}

// RelationTag 关系标签
type RelationTag struct {
	Target   string `json:"对象"`
	Relation string `json:"关系"`
	Detail   string `json:"说明,omitempty"`
}

// StatusTags 按维度分组的状态标签
type StatusTags struct {
	Physical []StatusTag `json:"生理,omitempty"`
	Mental   []StatusTag `json:"心理,omitempty"`
	Social   []StatusTag `json:"社交,omitempty"`
	Special  []StatusTag `json:"特殊,omitempty"`
}

// ExperienceTags 按类别分组的经历标签
type ExperienceTags struct {
	Education   []ExperienceTag `json:"教育,omitempty"`
	Career      []ExperienceTag `json:"职业,omitempty"`
	Milestone   []ExperienceTag `json:"里程碑,omitempty"`
	Trauma      []ExperienceTag `json:"创伤,omitempty"`
	Achievement []ExperienceTag `json:"成就,omitempty"`
}

// TagPool 智能体的完整标签池
type TagPool struct {
	StatusTags     StatusTags     `json:"状态标签,omitempty"`
	TraitTags      []string       `json:"特征标签,omitempty"`
	ExperienceTags ExperienceTags `json:"经历标签,omitempty"`
	RelationTags   []RelationTag  `json:"关系标签,omitempty"`
}

// AgentProfile 智能体的完整人设
// JSON 标签与存储的人设档案格式一致，仅由状态评估器修改
type AgentProfile struct {
	Worldview    string          `json:"世界观,omitempty"`
	Name         string          `json:"姓名"`
	Age          int             `json:"年龄"`
	Birthday     string          `json:"生日,omitempty"`
	Education    string          `json:"教育背景,omitempty"`
	Family       string          `json:"家庭背景,omitempty"`
	Occupation   string          `json:"职业,omitempty"`
	Region       string          `json:"国家地区,omitempty"`
	Ideals       string          `json:"理想,omitempty"`
	Hobbies      []string        `json:"爱好,omitempty"`
	Voice        string          `json:"声音,omitempty"`
	Skills       []string        `json:"个人技能,omitempty"`
	Knowledge    KnowledgeSystem `json:"知识体系,omitempty"`
	Relationship string          `json:"与玩家关系,omitempty"`
	MBTI         string          `json:"MBTI类型,omitempty"`
	Psych        PsychState      `json:"心理状态"`
	TagPool      TagPool         `json:"Tag池,omitempty"`
}
