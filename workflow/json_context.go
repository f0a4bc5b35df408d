package workflow

import (
	"encoding/json"
	"fmt"
)

// JSONContext 工作流业务上下文,创建时传入,审批链构建时读取
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建,解析失败时返回空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 支持嵌套路径, Get("budget", "amount") 获取 budget.amount
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetFloat64 金额一类的字段,兼容反序列化后的float64和调用方直接传入的整数
func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	f, ok := c.GetFloat64(keys...)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Set 设置值，中间路径不是map时会被覆盖
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return b
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝,经过一次json序列化,数字会变成float64
func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

func (c *JSONContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.data)
}
