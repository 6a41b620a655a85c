// Package companion 与本地伴随进程之间的 WebSocket 长连接客户端
package companion

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultDialTimeout       = 5 * time.Second
)

// Endpoint 伴随进程地址与访问密钥
type Endpoint struct {
	Address string
	Port    int
	Key     string
}

// URL 连接地址 ws://address:port/ws?key=...
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(e.Address, strconv.Itoa(e.Port)),
		Path:     "/ws",
		RawQuery: url.Values{"key": {e.Key}}.Encode(),
	}
	return u.String()
}

// Stopper 可取消的定时器
type Stopper interface {
	Stop() bool
}

// AfterFunc 定时器工厂，测试中可替换
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Config 连接配置
type Config struct {
	Endpoint          Endpoint
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	Dialer            *websocket.Dialer
	AfterFunc         AfterFunc
	Events            chan<- model.Event
	Logger            logger.Logger
}

// Link 自动重连、带心跳的伴随进程连接
type Link struct {
	mu        sync.Mutex
	ep        Endpoint
	state     model.LinkState
	conn      *websocket.Conn
	gen       uint64
	reconnect Stopper
	stopBeat  chan struct{}
	lastPong  time.Time
	closed    bool

	// 拨号进行中时不再发起新拨号，redial 标记待旧拨号返回后重连
	dialing    bool
	redial     bool
	cancelDial context.CancelFunc

	writeMu sync.Mutex

	reconnectInterval time.Duration
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	dialTimeout       time.Duration
	dialer            *websocket.Dialer
	afterFunc         AfterFunc
	events            chan<- model.Event
	log               logger.Logger
}

// New 创建连接，不会立即发起连接
func New(cfg Config) *Link {
	l := &Link{
		ep:                cfg.Endpoint,
		state:             model.LinkDisconnected,
		reconnectInterval: cfg.ReconnectInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		writeTimeout:      cfg.WriteTimeout,
		dialTimeout:       cfg.DialTimeout,
		dialer:            cfg.Dialer,
		afterFunc:         cfg.AfterFunc,
		events:            cfg.Events,
		log:               logger.OrNop(cfg.Logger).With("component", "companion"),
	}
	if l.reconnectInterval <= 0 {
		l.reconnectInterval = defaultReconnectInterval
	}
	if l.heartbeatInterval <= 0 {
		l.heartbeatInterval = defaultHeartbeatInterval
	}
	if l.writeTimeout <= 0 {
		l.writeTimeout = defaultWriteTimeout
	}
	if l.dialTimeout <= 0 {
		l.dialTimeout = defaultDialTimeout
	}
	if l.dialer == nil {
		l.dialer = websocket.DefaultDialer
	}
	if l.afterFunc == nil {
		l.afterFunc = realAfterFunc
	}
	return l
}

// Connect 发起连接；未配置密钥时不做任何事，同一时刻至多一个连接尝试
func (l *Link) Connect() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.ep.Key == "" {
		l.mu.Unlock()
		l.log.Debug("未配置访问密钥，跳过连接")
		return
	}
	if l.state != model.LinkDisconnected {
		l.mu.Unlock()
		return
	}
	if l.dialing {
		l.redial = true
		l.mu.Unlock()
		l.log.Debug("上一次拨号尚未返回，稍后重连")
		return
	}
	l.stopReconnectLocked()
	l.gen++
	gen, ep := l.gen, l.ep
	l.state = model.LinkConnecting
	ctx, cancel := context.WithTimeout(context.Background(), l.dialTimeout)
	l.dialing = true
	l.cancelDial = cancel
	l.mu.Unlock()

	l.emitState(model.LinkConnecting)
	go l.dial(ctx, cancel, ep, gen)
}

func (l *Link) dial(ctx context.Context, cancel context.CancelFunc, ep Endpoint, gen uint64) {
	conn, _, err := l.dialer.DialContext(ctx, ep.URL(), nil)
	cancel()

	l.mu.Lock()
	l.dialing = false
	l.cancelDial = nil
	if l.closed || gen != l.gen {
		redial := l.redial && !l.closed
		l.redial = false
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if redial {
			l.Connect()
		}
		return
	}
	l.redial = false
	if err != nil {
		l.state = model.LinkDisconnected
		l.scheduleReconnectLocked()
		l.mu.Unlock()
		l.log.Warn("连接伴随进程失败", "address", ep.Address, "port", ep.Port, "error", err)
		l.emitState(model.LinkDisconnected)
		return
	}
	l.conn = conn
	l.state = model.LinkConnected
	l.lastPong = time.Now()
	l.stopReconnectLocked()
	l.startHeartbeatLocked()
	l.mu.Unlock()

	l.log.Info("已连接伴随进程", "address", ep.Address, "port", ep.Port)
	l.emitState(model.LinkConnected)
	go l.readLoop(conn, gen)
}

func (l *Link) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.disconnected(conn, gen, err)
			return
		}
		l.handleMessage(data)
	}
}

// disconnected 连接关闭或出错：停止心跳并安排一次重连
func (l *Link) disconnected(conn *websocket.Conn, gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = model.LinkDisconnected
	l.stopHeartbeatLocked()
	if !l.closed {
		l.scheduleReconnectLocked()
	}
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	l.log.Warn("与伴随进程的连接已断开", "error", err)
	l.emitState(model.LinkDisconnected)
}

func (l *Link) scheduleReconnectLocked() {
	if l.reconnect != nil {
		return
	}
	l.reconnect = l.afterFunc(l.reconnectInterval, func() {
		l.mu.Lock()
		l.reconnect = nil
		l.mu.Unlock()
		l.Connect()
	})
	l.log.Debug("已安排重连", "after", l.reconnectInterval.String())
}

// stopDialLocked 取消进行中的拨号，拨号协程返回后才清除 dialing
func (l *Link) stopDialLocked() {
	if l.cancelDial != nil {
		l.cancelDial()
	}
}

func (l *Link) stopReconnectLocked() {
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
}

func (l *Link) startHeartbeatLocked() {
	l.stopHeartbeatLocked()
	stop := make(chan struct{})
	l.stopBeat = stop
	interval := l.heartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.Send(Ping{}) {
					l.log.Debug("心跳发送失败")
				}
			}
		}
	}()
}

func (l *Link) stopHeartbeatLocked() {
	if l.stopBeat != nil {
		close(l.stopBeat)
		l.stopBeat = nil
	}
}

func (l *Link) handleMessage(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		l.log.Warn("丢弃无法识别的伴随进程消息", "error", err, "size", len(data))
		return
	}
	switch m := msg.(type) {
	case Pong:
		l.mu.Lock()
		l.lastPong = time.Now()
		l.mu.Unlock()
	case Event:
		l.log.Info("伴随进程事件", "event", m.Name)
		l.emit(model.Event{Type: model.EventCompanionEvent, Message: m.Name})
	case Error:
		l.log.Warn("伴随进程返回错误", "message", m.Message)
		l.emit(model.Event{Type: model.EventCompanionError, Message: m.Message})
	case Success:
		l.log.Info("伴随进程已接收下载", "id", m.ID)
		l.emit(model.Event{Type: model.EventCompanionSuccess, Message: m.ID})
	default:
		l.log.Warn("未处理的消息类型", "kind", string(msg.Kind()))
	}
}

// Send 仅在已连接时发送，返回是否成功；写入受超时限制
func (l *Link) Send(msg Outbound) bool {
	data, err := Encode(msg)
	if err != nil {
		l.log.Err(err, "编码消息失败")
		return false
	}

	l.mu.Lock()
	conn := l.conn
	connected := l.state == model.LinkConnected
	l.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.log.Err(err, "发送消息失败", "kind", string(msg.Kind()))
		// 关闭连接，由读循环完成断线处理
		_ = conn.Close()
		return false
	}
	return true
}

// Configure 替换连接地址，关闭当前连接后重新连接
func (l *Link) Configure(ep Endpoint) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.ep = ep
	l.gen++
	conn := l.conn
	l.conn = nil
	l.stopHeartbeatLocked()
	l.stopReconnectLocked()
	l.stopDialLocked()
	prev := l.state
	l.state = model.LinkDisconnected
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if prev != model.LinkDisconnected {
		l.emitState(model.LinkDisconnected)
	}
	l.log.Info("伴随进程配置已更新", "address", ep.Address, "port", ep.Port)
	l.Connect()
}

// Close 关闭连接并停止所有定时器，之后不再重连
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.gen++
	conn := l.conn
	l.conn = nil
	l.stopHeartbeatLocked()
	l.stopReconnectLocked()
	l.stopDialLocked()
	l.redial = false
	l.state = model.LinkDisconnected
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

// State 当前连接状态
func (l *Link) State() model.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected 是否已连接
func (l *Link) Connected() bool { return l.State() == model.LinkConnected }

// LastPong 最近一次收到心跳应答（或建立连接）的时间
func (l *Link) LastPong() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPong
}

// Endpoint 当前连接地址
func (l *Link) Endpoint() Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ep
}

func (l *Link) emitState(s model.LinkState) {
	l.emit(model.Event{Type: model.EventLinkState, Link: s})
}

// emit 非阻塞投递事件
func (l *Link) emit(evt model.Event) {
	if l.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case l.events <- evt:
	default:
	}
}
