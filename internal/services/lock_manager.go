// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 统一的锁管理器
// 同一智能体的会话与状态更新串行执行，不同智能体互不阻塞
type LockManager struct {
	agentLocks    map[string]*LockInfo
	globalLock    sync.RWMutex
	lockTTL       time.Duration
	cleanupTicker *time.Ticker
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		agentLocks: make(map[string]*LockInfo),
		lockTTL:    10 * time.Minute,
	}

	// 启动清理器
	lm.startCleanup()
	return lm
}

// GetAgentLock 获取智能体锁（线程安全）
func (lm *LockManager) GetAgentLock(agentID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.agentLocks[agentID]; exists {
		lm.globalLock.RUnlock()
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.agentLocks[agentID]; exists {
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}

	// 创建新锁
	lock := &sync.RWMutex{}
	lm.agentLocks[agentID] = &LockInfo{
		Mutex:    lock,
		LastUsed: time.Now(),
	}
	return lock
}

// ExecuteWithAgentLock 在智能体写锁保护下执行操作
func (lm *LockManager) ExecuteWithAgentLock(agentID string, fn func() error) error {
	lock := lm.GetAgentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// ExecuteWithAgentReadLock 在智能体读锁保护下执行操作
func (lm *LockManager) ExecuteWithAgentReadLock(agentID string, fn func() error) error {
	lock := lm.GetAgentLock(agentID)
	lock.RLock()
	defer lock.RUnlock()
	return fn()
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for range lm.cleanupTicker.C {
			lm.cleanupUnusedLocks()
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理
	if len(lm.agentLocks) > maxLocks {
		now := time.Now()
		for agentID, lockInfo := range lm.agentLocks {
			if now.Sub(lockInfo.LastUsed) > lockTimeout {
				delete(lm.agentLocks, agentID)
			}
		}
	}
}
