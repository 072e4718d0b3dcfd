// cmd/demo/main.go
// 命令行演示：构建智能体、跑一场事件对话或日常闲聊，并在结束后结算状态。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Corphon/EchoAgentMCP/internal/app"
	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/services"
)

// consoleIO 把标准输入输出适配成对话会话的通道
type consoleIO struct {
	reader *bufio.Reader
}

func newConsoleIO() *consoleIO {
	return &consoleIO{reader: bufio.NewReader(os.Stdin)}
}

func (io *consoleIO) ReadInput(ctx context.Context) (string, error) {
	fmt.Print("你: ")
	line, err := io.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (io *consoleIO) WriteReply(speaker, content string) error {
	fmt.Printf("%s: %s\n", speaker, content)
	return nil
}

func (io *consoleIO) WriteStatus(content string) error {
	fmt.Printf("—— %s\n", content)
	return nil
}

func main() {
	mode := flag.String("mode", "init", "运行模式: init / event / daily")
	agentID := flag.String("agent", "", "智能体ID（event/daily模式必填）")
	eventID := flag.String("event", "", "事件ID（event模式可选，缺省从初始事件开始）")
	desc := flag.String("desc", "", "智能体初始描述（init模式必填）")
	userID := flag.String("user", "console_user", "用户ID")
	flag.Parse()

	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化配置系统失败: %v", err)
	}
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}

	container := di.GetContainer()
	ctx := context.Background()

	switch *mode {
	case "init":
		if *desc == "" {
			log.Fatal("init模式需要通过 -desc 提供智能体初始描述")
		}
		agentService := container.Get("agent").(*services.AgentService)

		fmt.Println("正在构建智能体，这可能需要几分钟...")
		result, tree, err := agentService.Initialize(ctx, *desc)
		if err != nil {
			log.Fatalf("智能体初始化失败: %v", err)
		}

		fmt.Printf("智能体构建完成: %s (ID: %s)\n", result.Name, result.AgentID)
		if data, err := json.MarshalIndent(result.Profile, "", "  "); err == nil {
			fmt.Println(string(data))
		}
		fmt.Printf("事件链共 %d 个阶段\n", len(tree.Stages))

	case "event":
		if *agentID == "" {
			log.Fatal("event模式需要通过 -agent 提供智能体ID")
		}
		dialogueService := container.Get("dialogue").(*services.DialogueService)
		evaluatorService := container.Get("evaluator").(*services.EvaluatorService)

		if err := dialogueService.RunEventSession(ctx, *userID, *agentID, *eventID, newConsoleIO()); err != nil {
			log.Fatalf("事件会话异常结束: %v", err)
		}

		fmt.Println("会话结束，正在结算状态...")
		evaluation, err := evaluatorService.EvaluateSession(ctx, *agentID, 0)
		if err != nil {
			log.Printf("状态结算失败: %v", err)
			return
		}
		if data, err := json.MarshalIndent(evaluation, "", "  "); err == nil {
			fmt.Println(string(data))
		}

		if next, err := evaluatorService.NextEvent(ctx, *agentID); err == nil && next != nil {
			fmt.Printf("下一个事件: %s (%s)\n", next.Name, next.EventID)
		}

	case "daily":
		if *agentID == "" {
			log.Fatal("daily模式需要通过 -agent 提供智能体ID")
		}
		dialogueService := container.Get("dialogue").(*services.DialogueService)

		if err := dialogueService.RunDailySession(ctx, *userID, *agentID, newConsoleIO()); err != nil {
			log.Fatalf("日常会话异常结束: %v", err)
		}
		fmt.Println("日常会话结束")

	default:
		log.Fatalf("未知模式: %s（支持 init / event / daily）", *mode)
	}
}
