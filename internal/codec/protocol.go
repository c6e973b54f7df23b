package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	LabelTCP   = "TCP"
	LabelUDP   = "UDP"
	LabelICMP  = "ICMP"
	LabelIGMP  = "IGMP"
	LabelOther = "OTHER"
)

var ErrUnseenLabel = errors.New("编码器未见过该协议类别")

// fallbackCodes 在没有训练期编码器、或编码器拒绝某个类别时使用。
// 注意：它与训练时编码器产生的编码并不一致，分类器看到的分布会因此偏移。
var fallbackCodes = map[string]int{
	LabelTCP:   6,
	LabelUDP:   17,
	LabelICMP:  1,
	LabelOther: 0,
}

// Decode 把 IP 协议号翻译成类别标签。
func Decode(id int) string {
	switch id {
	case 6:
		return LabelTCP
	case 17:
		return LabelUDP
	case 1:
		return LabelICMP
	case 2:
		return LabelIGMP
	default:
		return LabelOther
	}
}

// Label 把任意形态的协议值（协议号、数字字符串、标签、nil）归一成标签。
func Label(v any) string {
	switch x := v.(type) {
	case nil:
		return LabelOther
	case string:
		return labelFromString(x)
	case json.Number:
		return labelFromString(x.String())
	case float64:
		return labelFromFloat(x)
	case float32:
		return labelFromFloat(float64(x))
	case int:
		return Decode(x)
	case int64:
		return Decode(int(x))
	case uint8:
		return Decode(int(x))
	default:
		return LabelOther
	}
}

func labelFromString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return LabelOther
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return labelFromFloat(f)
	}
	return strings.ToUpper(s)
}

func labelFromFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return LabelOther
	}
	return Decode(int(f))
}

// Encoder 是训练期拟合出的类别编码器。
type Encoder interface {
	Transform(label string) (int, error)
}

// LabelEncoder 编码 = 类别在 classes 中的下标。
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

func NewLabelEncoder(classes []string) *LabelEncoder {
	idx := make(map[string]int, len(classes))
	for i, c := range classes {
		idx[c] = i
	}
	return &LabelEncoder{classes: classes, index: idx}
}

func (e *LabelEncoder) Classes() []string {
	out := make([]string, len(e.classes))
	copy(out, e.classes)
	return out
}

func (e *LabelEncoder) Transform(label string) (int, error) {
	code, ok := e.index[label]
	if !ok {
		return 0, fmt.Errorf("%w：%s", ErrUnseenLabel, label)
	}
	return code, nil
}

// LoadLabelEncoder 读取 {"classes": [...]} 形式的编码器文件。
func LoadLabelEncoder(path string) (*LabelEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取协议编码器失败：%w", err)
	}
	var raw struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析协议编码器失败：%w", err)
	}
	if len(raw.Classes) == 0 {
		return nil, fmt.Errorf("协议编码器 classes 为空：%s", path)
	}
	return NewLabelEncoder(raw.Classes), nil
}

// Codec 负责把协议标签编码成模型特征。encoder 可以为 nil。
type Codec struct {
	encoder    Encoder
	onFallback func(label string)

	mu     sync.Mutex
	warned map[string]struct{}
}

func New(encoder Encoder) *Codec {
	return &Codec{encoder: encoder, warned: make(map[string]struct{})}
}

// OnFallback 注册回退计数回调（用于 metrics），需在开始服务前调用。
func (c *Codec) OnFallback(fn func(label string)) {
	c.onFallback = fn
}

func (c *Codec) HasEncoder() bool {
	return c.encoder != nil
}

// Encode 优先用拟合编码器，不可用或拒绝时回退到静态表。永不返回错误。
func (c *Codec) Encode(label string) (float64, bool) {
	if label == "" {
		label = LabelOther
	}
	if c.encoder != nil {
		if code, err := c.encoder.Transform(label); err == nil {
			return float64(code), false
		}
	}
	code, ok := fallbackCodes[label]
	if !ok {
		code = fallbackCodes[LabelOther]
	}
	c.noteFallback(label)
	return float64(code), true
}

func (c *Codec) noteFallback(label string) {
	if c.onFallback != nil {
		c.onFallback(label)
	}
	c.mu.Lock()
	_, seen := c.warned[label]
	if !seen {
		c.warned[label] = struct{}{}
	}
	c.mu.Unlock()
	if !seen && c.encoder != nil {
		log.Printf("协议 %q 不在编码器类别中，使用静态回退编码", label)
	}
}
