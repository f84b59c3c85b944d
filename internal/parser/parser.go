// internal/parser/parser.go
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// 生成端承诺输出JSON，但实际文本常携带Markdown围栏、前后缀说明、
// 全角标点或因截断而残缺。本包对这类"近似JSON"做尽力而为的修复与解码：
// 轻微损伤被修复，期望数组却得到单个对象时自动包装，
// 完全无法解析时返回类型化的 DecodeError，绝不静默降级为空值。

// DecodeError 表示文本在所有修复手段用尽后仍无法解码
type DecodeError struct {
	Reason  string
	Snippet string // 原始文本片段，便于排查
}

func (e *DecodeError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("响应解码失败: %s (片段: %s)", e.Reason, e.Snippet)
	}
	return fmt.Sprintf("响应解码失败: %s", e.Reason)
}

// IsDecodeError 判断错误是否为解码失败
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

var noiseReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
	"\uFEFF", "",
	" ", " ",
	" ", "\n",
	" ", "\n",
)

// 字符串外出现的全角结构符号替换为ASCII等价形式
var structuralPunctuation = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

// 中文引号与弯引号映射到对应的收尾符号，进入字符串状态后统一改写为双引号
var quotePairs = map[rune]rune{
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
}

// Clean 把生成端文本收敛为最可能合法的JSON片段：
// 去除围栏与噪声字符，裁剪到首个 { 或 [ 起始的平衡片段，
// 并将字符串外的全角标点规范化
func Clean(raw string) string {
	if raw == "" {
		return raw
	}

	s := noiseReplacer.Replace(raw)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '​', '‌', '‍', '⁠':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		// 整段可能只用了全角括号，规范化后再找一次边界
		normalized := normalizeStructure(s)
		start = strings.IndexAny(normalized, "[{")
		if start == -1 {
			return s
		}
		return cutBalanced(strings.TrimSpace(normalized[start:]))
	}
	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	s = normalizeStructure(s)
	return cutBalanced(s)
}

// normalizeStructure 逐字符扫描：字符串内保持原样（中文引号换成双引号收尾），
// 字符串外替换全角标点并丢弃游离的非ASCII杂字符
func normalizeStructure(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	closing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				b.WriteRune(r)
				continue
			}
			if escaped {
				escaped = false
				b.WriteRune(r)
				continue
			}
			if r == closing || r == '"' {
				inString = false
				closing = '"'
				b.WriteRune('"')
				continue
			}
			b.WriteRune(r)
			continue
		}

		if repl, ok := structuralPunctuation[r]; ok {
			r = repl
		} else if cl, ok := quotePairs[r]; ok {
			inString = true
			closing = cl
			b.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			closing = '"'
			b.WriteRune(r)
			continue
		} else if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// cutBalanced 按括号配平截取首个完整的JSON值；
// 配平失败（截断输出）时保留余下全部文本，交由后续补全处理
func cutBalanced(s string) string {
	if s == "" {
		return s
	}
	open := s[0]
	var closer byte
	switch open {
	case '[':
		closer = ']'
	case '{':
		closer = '}'
	default:
		return s
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == open {
			depth++
		} else if c == closer {
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}
	return strings.TrimSpace(s)
}

// removeTrailingCommas 删除 ] 或 } 前多余的逗号
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue // 跳过该逗号
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeTruncated 为因输出截断而残缺的JSON补齐收尾：
// 未闭合的字符串先补引号，再按嵌套栈逆序补齐括号
func closeTruncated(s string) string {
	if s == "" {
		return s
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 && !inString {
		return s
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}

	// 截断点常落在半个键值对上，闭合前先去掉孤立的尾逗号或冒号
	closed := strings.TrimRight(b.String(), " \n\r\t")
	closed = strings.TrimRight(closed, ",:")
	b.Reset()
	b.WriteString(closed)

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return removeTrailingCommas(b.String())
}

// candidates 返回修复力度逐级递增的待解码文本序列
func candidates(raw string) []string {
	cleaned := Clean(raw)
	noCommas := removeTrailingCommas(cleaned)
	closed := closeTruncated(noCommas)
	out := []string{raw, cleaned}
	if noCommas != cleaned {
		out = append(out, noCommas)
	}
	if closed != noCommas {
		out = append(out, closed)
	}
	return out
}

// snippet 截取用于错误信息的文本片段
func snippet(raw string) string {
	s := strings.TrimSpace(raw)
	const max = 120
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}

// DecodeObject 将近似JSON文本解码为单个对象
func DecodeObject(raw string, v interface{}) error {
	for _, text := range candidates(raw) {
		if text == "" {
			continue
		}
		if err := json.Unmarshal([]byte(text), v); err == nil {
			return nil
		}
	}
	return &DecodeError{Reason: "无法解析为JSON对象", Snippet: snippet(raw)}
}

// DecodeRecords 将近似JSON文本解码为原始记录数组
// 期望数组但得到单个对象时自动包装为单元素数组；
// 逐条解码由调用方完成，单条损坏不应拖垮整批
func DecodeRecords(raw string) ([]json.RawMessage, error) {
	for _, text := range candidates(raw) {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "{") {
			text = "[" + text + "]"
		}
		var records []json.RawMessage
		if err := json.Unmarshal([]byte(text), &records); err == nil {
			return records, nil
		}
	}
	return nil, &DecodeError{Reason: "无法解析为JSON数组", Snippet: snippet(raw)}
}

// DecodeArray 将近似JSON文本整体解码进目标切片
func DecodeArray(raw string, v interface{}) error {
	for _, text := range candidates(raw) {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "{") {
			text = "[" + text + "]"
		}
		if err := json.Unmarshal([]byte(text), v); err == nil {
			return nil
		}
	}
	return &DecodeError{Reason: "无法解析为JSON数组", Snippet: snippet(raw)}
}
