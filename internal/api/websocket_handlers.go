// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/services"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	dialogueService  *services.DialogueService
	evaluatorService *services.EvaluatorService
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		dialogueService:  container.Get("dialogue").(*services.DialogueService),
		evaluatorService: container.Get("evaluator").(*services.EvaluatorService),
	}
}

// wsSessionIO 把 WebSocket 连接适配成对话会话的输入输出通道
type wsSessionIO struct {
	client *WebSocketClient
	input  chan string
}

// ReadInput 等待客户端的下一条输入消息
func (io *wsSessionIO) ReadInput(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg, ok := <-io.input:
		if !ok {
			return "", fmt.Errorf("连接已关闭")
		}
		return msg, nil
	}
}

// WriteReply 发送智能体回复
func (io *wsSessionIO) WriteReply(speaker, content string) error {
	return io.client.SendMessage(map[string]interface{}{
		"type":      "reply",
		"speaker":   speaker,
		"content":   content,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// WriteStatus 发送旁白或状态提示
func (io *wsSessionIO) WriteStatus(content string) error {
	return io.client.SendMessage(map[string]interface{}{
		"type":      "status",
		"content":   content,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// SessionWebSocket 处理对话会话 WebSocket 连接
// 查询参数：user_id、mode(event/daily)、event_id(事件模式可选)
func (wh *WebSocketHandler) SessionWebSocket(c *gin.Context) {
	agentID := c.Param("id")
	if agentID == "" {
		log.Printf("❌ WebSocket 连接失败：智能体ID缺失")
		http.Error(c.Writer, "智能体ID缺失", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 会话 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 获取参数
	userID := c.DefaultQuery("user_id", "anonymous")
	mode := c.DefaultQuery("mode", "event")
	eventID := c.Query("event_id")

	// 创建客户端
	client := &WebSocketClient{
		conn:      &WebSocketConnWrapper{conn},
		agentID:   agentID,
		userID:    userID,
		send:      make(chan []byte, 256),
		closed:    0,
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	// 注册客户端
	select {
	case wsManager.register <- client:
		// Success
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return
	}

	defer func() {
		done := make(chan bool, 1)
		go func() {
			wsManager.unregister <- client
			done <- true
		}()

		select {
		case <-done:
			// Successfully unregistered
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	input := make(chan string, 16)

	// 启动读写协程
	go wh.handleWebSocketWrites(client)
	go wh.handleSessionReads(client, input)

	// 发送连接确认消息
	wh.sendWelcomeMessage(client, agentID, userID, mode)

	sessionIO := &wsSessionIO{client: client, input: input}
	ctx := c.Request.Context()

	var sessionErr error
	switch mode {
	case "daily":
		sessionErr = wh.dialogueService.RunDailySession(ctx, userID, agentID, sessionIO)
	default:
		sessionErr = wh.dialogueService.RunEventSession(ctx, userID, agentID, eventID, sessionIO)
	}
	if sessionErr != nil {
		log.Printf("❌ 会话结束异常 (智能体: %s): %v", agentID, sessionErr)
		client.SendError(sessionErr.Error())
		return
	}

	// 事件模式会话结束后进行状态结算
	if mode != "daily" {
		evaluation, err := wh.evaluatorService.EvaluateSession(ctx, agentID, 0)
		if err != nil {
			log.Printf("⚠️ 状态结算失败 (智能体: %s): %v", agentID, err)
		} else {
			client.SendMessage(map[string]interface{}{
				"type":       "evaluation",
				"evaluation": evaluation,
				"timestamp":  time.Now().Format(time.RFC3339),
			})
		}
	}

	client.SendMessage(map[string]interface{}{
		"type":      "session_end",
		"agent_id":  agentID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	log.Printf("📱 智能体 %s 的会话已结束 (用户: %s, 模式: %s)", agentID, userID, mode)
}

// handleSessionReads 读取客户端消息并送入会话输入通道
func (wh *WebSocketHandler) handleSessionReads(client *WebSocketClient, input chan<- string) {
	defer func() {
		close(input)
		if !client.IsClosed() {
			select {
			case wsManager.unregister <- client:
			case <-time.After(1 * time.Second):
				log.Printf("⚠️ 读取协程关闭时注销超时")
			}
		}
	}()

	// 设置读取超时和ping处理
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			break
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			break
		}

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		client.UpdatePing()

		msgType, _ := message["type"].(string)
		switch msgType {
		case "ping":
			client.SendMessage(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Format(time.RFC3339),
			})
		case "input", "message", "":
			content, _ := message["content"].(string)
			if content == "" {
				client.SendError("消息内容为空")
				continue
			}
			select {
			case input <- content:
			default:
				// 会话还在处理上一条输入，丢弃并提示
				client.SendError("上一条消息还在处理中，请稍候")
			}
		default:
			client.SendError("未知的消息类型: " + msgType)
		}
	}
}

// handleWebSocketWrites 处理 WebSocket 写入
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		// 写协程负责关闭发送通道，关闭时吞掉重复关闭的panic
		atomic.StoreInt32(&client.closed, 1)
		func() {
			defer func() {
				recover()
			}()
			close(client.send)
		}()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
			client.UpdatePing()
		}
	}
}

// sendWelcomeMessage 发送连接确认消息
func (wh *WebSocketHandler) sendWelcomeMessage(client *WebSocketClient, agentID, userID, mode string) {
	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"agent_id":  agentID,
		"user_id":   userID,
		"mode":      mode,
		"message":   "会话连接成功",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
