// internal/services/fake_provider_test.go
package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/llm"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
)

// fakeReply 预置回复：text 与 err 二选一
type fakeReply struct {
	text string
	err  error
}

// fakeProvider 按预置队列依次回复的测试用提供商
// 队列耗尽后报错，避免测试悄悄消费意料之外的模型调用
type fakeProvider struct {
	mu      sync.Mutex
	replies []fakeReply
	reqs    []llm.CompletionRequest
	calls   int
}

func (p *fakeProvider) Initialize(config map[string]string) error { return nil }
func (p *fakeProvider) GetName() string                           { return "fake" }
func (p *fakeProvider) GetSupportedModels() []string              { return []string{"fake-model"} }
func (p *fakeProvider) FetchAvailableModels(ctx context.Context) error { return nil }
func (p *fakeProvider) SetCustomModels(models []string)                {}

func (p *fakeProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.reqs = append(p.reqs, req)
	if len(p.replies) == 0 {
		return nil, errors.New("测试提供商没有更多预置回复")
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.CompletionResponse{
		Text:       reply.text,
		TokensUsed: 10,
		ModelName:  "fake-model",
	}, nil
}

func (p *fakeProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	return nil, errors.New("测试提供商不支持流式输出")
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// lastRequest 返回最近一次收到的补全请求
func (p *fakeProvider) lastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reqs) == 0 {
		return llm.CompletionRequest{}
	}
	return p.reqs[len(p.reqs)-1]
}

// newTestLLMService 构造直连假提供商的LLM服务，不带缓存
func newTestLLMService(replies ...fakeReply) (*LLMService, *fakeProvider) {
	provider := &fakeProvider{replies: replies}
	return &LLMService{
		provider:     provider,
		providerName: "fake",
		isReady:      true,
		readyState:   "Ready",
	}, provider
}

func textReply(text string) fakeReply   { return fakeReply{text: text} }
func errorReply(message string) fakeReply { return fakeReply{err: errors.New(message)} }

// newTestStore 创建临时目录下的SQLite存储
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "创建测试数据库失败")
	t.Cleanup(func() { store.Close() })
	return store
}
