package companion

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrMalformed 消息不是合法 JSON 或缺少 type 字段
	ErrMalformed = errors.New("companion: malformed message")
	// ErrUnknownKind 未知的消息类型
	ErrUnknownKind = errors.New("companion: unknown message kind")
)

// Kind 消息类型标签
type Kind string

const (
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
	KindDownload Kind = "download"
	KindEvent    Kind = "event"
	KindError    Kind = "error"
	KindSuccess  Kind = "success"
)

// Outbound 客户端发往伴随进程的消息
type Outbound interface {
	Kind() Kind
	isOutbound()
}

// Inbound 伴随进程发来的消息
type Inbound interface {
	Kind() Kind
	isInbound()
}

// Ping 心跳
type Ping struct{}

// Download 下载交付请求
type Download struct {
	URL       string              `json:"url"`
	Filename  string              `json:"filename"`
	UserAgent string              `json:"user_agent"`
	Method    string              `json:"method"`
	FormData  map[string][]string `json:"formData,omitempty"`
}

// Pong 心跳应答
type Pong struct{}

// Event 伴随进程上报的事件，Raw 保留原始报文
type Event struct {
	Name string
	Raw  json.RawMessage
}

// Error 伴随进程返回的错误
type Error struct {
	Message string
}

// Success 伴随进程确认接收
type Success struct {
	ID string
}

func (Ping) Kind() Kind     { return KindPing }
func (Download) Kind() Kind { return KindDownload }
func (Pong) Kind() Kind     { return KindPong }
func (Event) Kind() Kind    { return KindEvent }
func (Error) Kind() Kind    { return KindError }
func (Success) Kind() Kind  { return KindSuccess }

func (Ping) isOutbound()     {}
func (Download) isOutbound() {}
func (Pong) isInbound()      {}
func (Event) isInbound()     {}
func (Error) isInbound()     {}
func (Success) isInbound()   {}

// Encode 序列化出站消息并写入 type 字段
func Encode(msg Outbound) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case Ping:
		body = []byte(`{}`)
	case Download:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("编码下载消息: %w", err)
		}
		body = b
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	out, err := sjson.SetBytes(body, "type", string(msg.Kind()))
	if err != nil {
		return nil, fmt.Errorf("写入消息类型: %w", err)
	}
	return out, nil
}

// Decode 解析入站消息，未知类型返回 ErrUnknownKind
func Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrMalformed
	}
	t := root.Get("type")
	if t.Type != gjson.String {
		return nil, ErrMalformed
	}

	switch Kind(t.String()) {
	case KindPong:
		return Pong{}, nil
	case KindEvent:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Event{Name: root.Get("event").String(), Raw: raw}, nil
	case KindError:
		return Error{Message: root.Get("message").String()}, nil
	case KindSuccess:
		return Success{ID: root.Get("id").String()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.String())
	}
}
