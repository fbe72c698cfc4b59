package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Message 是一条发给模型的消息，只保留估算所需的字段。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// defaultEncoding 是未知模型使用的 tiktoken 编码。
const defaultEncoding = "cl100k_base"

// 每条消息的结构开销与会话收尾开销，token 口径。
const (
	messageOverheadTokens = 4
	replyPrimerTokens     = 3
)

// messageOverheadChars 是字符口径回退估算时每条消息的结构开销。
const messageOverheadChars = 10

// modelEncodings 将模型名映射到其 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// EncodingForModel 返回模型对应的 tiktoken 编码名。精确命中优先，
// 其次做最长前缀匹配，未命中回退 cl100k_base。
func EncodingForModel(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	var best string
	enc := defaultEncoding
	for prefix, e := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, enc = prefix, e
		}
	}
	return enc
}

// TokenEstimator 基于 tiktoken 做 prompt token 估算。编码数据懒加载；
// 加载失败时回退到每 4 字符 1 token 的启发式并记录一次警告。
// 并发安全。
type TokenEstimator struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
	warn    sync.Once
}

// EstimatorOption 配置 TokenEstimator。
type EstimatorOption func(*TokenEstimator)

// WithEstimatorLogger 设置日志器。
func WithEstimatorLogger(logger *zap.Logger) EstimatorOption {
	return func(e *TokenEstimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEncoding 直接指定 tiktoken 编码名，覆盖按模型推导的结果。
func WithEncoding(encoding string) EstimatorOption {
	return func(e *TokenEstimator) {
		if encoding != "" {
			e.encoding = encoding
		}
	}
}

// NewTokenEstimator 为给定模型创建估算器，空模型名使用 cl100k_base。
func NewTokenEstimator(model string, opts ...EstimatorOption) *TokenEstimator {
	enc := defaultEncoding
	if model != "" {
		enc = EncodingForModel(model)
	}
	e := &TokenEstimator{encoding: enc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encoding 返回估算器使用的 tiktoken 编码名。
func (e *TokenEstimator) Encoding() string {
	return e.encoding
}

// init 懒加载 tiktoken 编码，首次使用时可能下载编码数据。
func (e *TokenEstimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

func (e *TokenEstimator) fallbackWarn(err error) {
	e.warn.Do(func() {
		e.logger.Warn("tiktoken unavailable, falling back to character estimate",
			zap.String("encoding", e.encoding),
			zap.Error(err))
	})
}

// CountTokens 返回文本的估算 token 数。实现 types.TokenCounter。
func (e *TokenEstimator) CountTokens(text string) int {
	if err := e.init(); err != nil {
		e.fallbackWarn(err)
		return len(text) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateMessages 估算一组消息的 prompt token 总量，含每条消息的
// 角色与结构开销。
func (e *TokenEstimator) EstimateMessages(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}

	if err := e.init(); err != nil {
		e.fallbackWarn(err)
		chars := 0
		for _, m := range messages {
			chars += len(m.Content) + messageOverheadChars
		}
		return chars / 4
	}

	total := 0
	for _, m := range messages {
		total += messageOverheadTokens
		total += len(e.enc.Encode(m.Role, nil, nil))
		total += len(e.enc.Encode(m.Content, nil, nil))
	}
	return total + replyPrimerTokens
}
