// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

// ErrNotFound 查询不到记录时返回
var ErrNotFound = errors.New("记录不存在")

// Store 基于SQLite的智能体数据存储
// 目标与事件链按追加写入，读取时取最新一行；人设档案整行替换
type Store struct {
	db *sql.DB
}

// NewStore 打开（必要时创建）数据库并初始化表结构
// modernc.org/sqlite 驱动要求 pragma 以 _pragma= 前缀传入
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("数据库路径不能为空")
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// WAL 模式下单连接即可，避免写锁竞争
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭底层数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id   TEXT PRIMARY KEY,
			full_json  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_goals_json (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			goals_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_life_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL,
			year        INTEGER,
			age         INTEGER,
			description TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_event_chains (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			chain_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_schedules (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id      TEXT NOT NULL,
			schedule_json TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   TEXT,
			agent_id  TEXT NOT NULL,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			issue_id  TEXT,
			timestamp TEXT NOT NULL,
			activity  TEXT,
			status    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_dialog_memory (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL,
			event_id    TEXT,
			memory_json TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_time ON agent_messages(agent_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_chains_agent ON agent_event_chains(agent_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ---------- 人设档案 ----------

// SaveAgent 写入（或整行替换）智能体人设档案
func (s *Store) SaveAgent(ctx context.Context, agentID string, profile *models.AgentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("序列化人设失败: %w", err)
	}
	now := nowStamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, full_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET full_json = excluded.full_json, updated_at = excluded.updated_at`,
		agentID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("保存人设失败: %w", err)
	}
	return nil
}

// GetAgent 读取智能体人设档案
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT full_json FROM agents WHERE agent_id = ?`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取人设失败: %w", err)
	}
	var profile models.AgentProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("解析人设失败: %w", err)
	}
	return &profile, nil
}

// ---------- 目标 ----------

// InsertGoals 追加一行目标记录，返回行ID
func (s *Store) InsertGoals(ctx context.Context, agentID string, goals *models.GoalSet) (int64, error) {
	data, err := json.Marshal(goals)
	if err != nil {
		return 0, fmt.Errorf("序列化目标失败: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_goals_json (agent_id, goals_json, created_at) VALUES (?, ?, ?)`,
		agentID, string(data), nowStamp())
	if err != nil {
		return 0, fmt.Errorf("保存目标失败: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestGoals 返回最新一行目标及其行ID
func (s *Store) GetLatestGoals(ctx context.Context, agentID string) (int64, *models.GoalSet, error) {
	var (
		id  int64
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, goals_json FROM agent_goals_json WHERE agent_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, agentID).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("读取目标失败: %w", err)
	}
	var goals models.GoalSet
	if err := json.Unmarshal([]byte(raw), &goals); err != nil {
		return 0, nil, fmt.Errorf("解析目标失败: %w", err)
	}
	return id, &goals, nil
}

// UpdateGoals 整行替换指定ID的目标记录
func (s *Store) UpdateGoals(ctx context.Context, goalID int64, goals *models.GoalSet) error {
	data, err := json.Marshal(goals)
	if err != nil {
		return fmt.Errorf("序列化目标失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_goals_json SET goals_json = ? WHERE id = ?`, string(data), goalID)
	if err != nil {
		return fmt.Errorf("更新目标失败: %w", err)
	}
	return nil
}

// ---------- 人生大事记 ----------

// InsertLifeEvents 建档时批量写入大事记
func (s *Store) InsertLifeEvents(ctx context.Context, agentID string, events []models.LifeEvent) error {
	now := nowStamp()
	for _, ev := range events {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_life_events (agent_id, year, age, description, created_at) VALUES (?, ?, ?, ?, ?)`,
			agentID, ev.Year, ev.Age, ev.Description, now)
		if err != nil {
			return fmt.Errorf("保存大事记失败: %w", err)
		}
	}
	return nil
}

// GetLifeEvents 按时间顺序读取大事记
func (s *Store) GetLifeEvents(ctx context.Context, agentID string) ([]models.LifeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, age, description FROM agent_life_events WHERE agent_id = ? ORDER BY year ASC, id ASC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("读取大事记失败: %w", err)
	}
	defer rows.Close()

	var events []models.LifeEvent
	for rows.Next() {
		var ev models.LifeEvent
		if err := rows.Scan(&ev.Year, &ev.Age, &ev.Description); err != nil {
			return nil, fmt.Errorf("解析大事记失败: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---------- 事件链 ----------

// InsertEventChain 追加一行事件链记录，返回行ID
// 事件树的每次保存都是新行，读取时以最新一行为准
func (s *Store) InsertEventChain(ctx context.Context, agentID string, tree *models.EventTree) (int64, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return 0, fmt.Errorf("序列化事件链失败: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_event_chains (agent_id, chain_json, created_at) VALUES (?, ?, ?)`,
		agentID, string(data), nowStamp())
	if err != nil {
		return 0, fmt.Errorf("保存事件链失败: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestEventChain 返回最新一行事件链及其行ID
func (s *Store) GetLatestEventChain(ctx context.Context, agentID string) (int64, *models.EventTree, error) {
	var (
		id  int64
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chain_json FROM agent_event_chains WHERE agent_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, agentID).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("读取事件链失败: %w", err)
	}
	var tree models.EventTree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return 0, nil, fmt.Errorf("解析事件链失败: %w", err)
	}
	return id, &tree, nil
}

// UpdateEventChain 整行替换指定ID的事件链记录
func (s *Store) UpdateEventChain(ctx context.Context, chainID int64, tree *models.EventTree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("序列化事件链失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_event_chains SET chain_json = ? WHERE id = ?`, string(data), chainID)
	if err != nil {
		return fmt.Errorf("更新事件链失败: %w", err)
	}
	return nil
}

// ---------- 日程 ----------

// InsertSchedule 写入一份周日程
func (s *Store) InsertSchedule(ctx context.Context, agentID string, schedule models.WeeklySchedule) error {
	data, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("序列化日程失败: %w", err)
	}
	now := nowStamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_schedules (agent_id, schedule_json, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		agentID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("保存日程失败: %w", err)
	}
	return nil
}

// GetLatestSchedule 返回最近更新的一份周日程
func (s *Store) GetLatestSchedule(ctx context.Context, agentID string) (models.WeeklySchedule, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule_json FROM agent_schedules WHERE agent_id = ?
		 ORDER BY updated_at DESC, id DESC LIMIT 1`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取日程失败: %w", err)
	}
	var schedule models.WeeklySchedule
	if err := json.Unmarshal([]byte(raw), &schedule); err != nil {
		return nil, fmt.Errorf("解析日程失败: %w", err)
	}
	return schedule, nil
}

// ---------- 对话消息 ----------

// InsertMessage 追加一条对话消息，消息日志只增不改
func (s *Store) InsertMessage(ctx context.Context, userID, agentID string, turn models.DialogueTurn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (user_id, agent_id, role, content, issue_id, timestamp, activity, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, agentID, turn.Role, turn.Content, turn.IssueID,
		ts.UTC().Format(time.RFC3339Nano), turn.Activity, turn.Status)
	if err != nil {
		return fmt.Errorf("保存消息失败: %w", err)
	}
	return nil
}

// GetMessages 按时间升序读取消息；limit 大于0时仅返回最近的 limit 条
func (s *Store) GetMessages(ctx context.Context, agentID string, limit int) ([]models.DialogueTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, issue_id, timestamp, activity, status
		 FROM agent_messages WHERE agent_id = ? ORDER BY timestamp ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("读取消息失败: %w", err)
	}
	defer rows.Close()

	var turns []models.DialogueTurn
	for rows.Next() {
		var (
			turn    models.DialogueTurn
			issueID sql.NullString
			rawTime string
			act     sql.NullString
			status  sql.NullString
		)
		if err := rows.Scan(&turn.Role, &turn.Content, &issueID, &rawTime, &act, &status); err != nil {
			return nil, fmt.Errorf("解析消息失败: %w", err)
		}
		turn.IssueID = issueID.String
		turn.Activity = act.String
		turn.Status = status.String
		if t, perr := time.Parse(time.RFC3339Nano, rawTime); perr == nil {
			turn.Timestamp = t
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// ---------- 对话记忆 ----------

// SaveDialogMemory 保存会话记忆，同一事件已有记录时整行替换
func (s *Store) SaveDialogMemory(ctx context.Context, agentID string, mem *models.DialogMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("序列化对话记忆失败: %w", err)
	}
	now := nowStamp()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM agent_dialog_memory WHERE agent_id = ? AND event_id = ?
		 ORDER BY id DESC LIMIT 1`, agentID, mem.CurrentEventID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO agent_dialog_memory (agent_id, event_id, memory_json, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			agentID, mem.CurrentEventID, string(data), now, now)
	case err != nil:
		return fmt.Errorf("查询对话记忆失败: %w", err)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE agent_dialog_memory SET memory_json = ?, updated_at = ? WHERE id = ?`,
			string(data), now, id)
	}
	if err != nil {
		return fmt.Errorf("保存对话记忆失败: %w", err)
	}
	return nil
}

// GetDialogMemory 读取指定事件的会话记忆
func (s *Store) GetDialogMemory(ctx context.Context, agentID, eventID string) (*models.DialogMemory, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_json FROM agent_dialog_memory WHERE agent_id = ? AND event_id = ?
		 ORDER BY updated_at DESC, id DESC LIMIT 1`, agentID, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取对话记忆失败: %w", err)
	}
	var mem models.DialogMemory
	if err := json.Unmarshal([]byte(raw), &mem); err != nil {
		return nil, fmt.Errorf("解析对话记忆失败: %w", err)
	}
	return &mem, nil
}
