// internal/utils/json_repair.go
package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// 模型返回的JSON经常混有解释文字、Markdown围栏或尾逗号。
// DecodeLLMJSON 按固定顺序尝试多种提取策略，任一成功即返回。

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// DecodeLLMJSON 从原始模型回复中恢复JSON并反序列化到 v
// 依次尝试：直接解析、括号截取、围栏代码块、正则修复
func DecodeLLMJSON(raw string, v any) error {
	candidates := jsonCandidates(raw)
	var lastErr error
	for _, c := range candidates {
		if err := json.Unmarshal([]byte(c), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
		// 修复后再试一次
		repaired := repairJSON(c)
		if repaired != c {
			if err := json.Unmarshal([]byte(repaired), v); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("回复中不包含可识别的JSON内容")
	}
	return fmt.Errorf("JSON恢复失败: %w", lastErr)
}

// jsonCandidates 按优先级收集候选JSON片段
func jsonCandidates(raw string) []string {
	var out []string
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		out = append(out, trimmed)
	}
	if sub := extractBracketed(trimmed); sub != "" && sub != trimmed {
		out = append(out, sub)
	}
	for _, m := range fencedBlockRe.FindAllStringSubmatch(raw, -1) {
		block := strings.TrimSpace(m[1])
		if block != "" {
			out = append(out, block)
			if sub := extractBracketed(block); sub != "" && sub != block {
				out = append(out, sub)
			}
		}
	}
	return out
}

// extractBracketed 截取第一个 { 或 [ 到与之配对的结束符
// 括号计数时跳过字符串内部的内容
func extractBracketed(s string) string {
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return ""
	}
	s = s[start:]
	isArray := s[0] == '['

	balance := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		char := s[i]
		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if isArray {
			if char == '[' {
				balance++
			} else if char == ']' {
				balance--
			}
		} else {
			if char == '{' {
				balance++
			} else if char == '}' {
				balance--
			}
		}
		if balance == 0 {
			return strings.TrimSpace(s[:i+1])
		}
	}

	// 未配对时退而求其次，截到最后一个结束符
	end := strings.LastIndex(s, "]")
	if !isArray {
		end = strings.LastIndex(s, "}")
	}
	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}
	return strings.TrimSpace(s)
}

// repairJSON 做两类保守修复：去掉结构外的控制字符、去掉尾逗号
func repairJSON(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return s
}
