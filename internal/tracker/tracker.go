// Package tracker 维护网络事务从请求开始到响应头、再到过期清理的生命周期
package tracker

import (
	"strconv"
	"sync"
	"time"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

// DefaultStaleAfter 事务过期阈值
const DefaultStaleAfter = 60 * time.Second

// Transaction 单个网络事务的快照
type Transaction struct {
	ID                 model.TransactionID
	URL                string
	Method             string
	Context            model.ContextID
	Kind               model.ResourceKind
	RedirectChain      []string
	StatusCode         int
	Headers            traffic.Header
	ContentType        string
	ContentDisposition string
	ContentLength      int64
	Verdict            model.Verdict
	Intercepted        bool
	UserAgent          string
	FormData           string
	CreatedAt          time.Time
}

// FinalURL 重定向链最后一项，链为空时为原始 URL
func (t *Transaction) FinalURL() string {
	if n := len(t.RedirectChain); n > 0 {
		return t.RedirectChain[n-1]
	}
	return t.URL
}

func (t *Transaction) clone() Transaction {
	out := *t
	out.RedirectChain = append([]string(nil), t.RedirectChain...)
	if t.Headers != nil {
		out.Headers = t.Headers.Clone()
	}
	return out
}

// Begin 请求开始参数
type Begin struct {
	ID        model.TransactionID
	URL       string
	Method    string
	Context   model.ContextID
	Kind      model.ResourceKind
	UserAgent string
	FormData  string
	Timestamp time.Time
}

// Tracker 事务表，按事务 ID 加锁更新
type Tracker struct {
	mu         sync.Mutex
	txs        map[model.TransactionID]*Transaction
	staleAfter time.Duration
	now        func() time.Time
	log        logger.Logger
}

// New 创建事务表
func New(staleAfter time.Duration, l logger.Logger) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		txs:        make(map[model.TransactionID]*Transaction),
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logger.OrNop(l),
	}
}

// Begin 创建事务记录，重复 ID 不覆盖
func (t *Tracker) Begin(b Begin) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.txs[b.ID]; ok {
		return false
	}
	ts := b.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	method := b.Method
	if method == "" {
		method = "GET"
	}
	t.txs[b.ID] = &Transaction{
		ID:        b.ID,
		URL:       b.URL,
		Method:    method,
		Context:   b.Context,
		Kind:      b.Kind,
		UserAgent: b.UserAgent,
		FormData:  b.FormData,
		CreatedAt: ts,
	}
	return true
}

// Has 事务是否仍在表中
func (t *Tracker) Has(id model.TransactionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.txs[id]
	return ok
}

// RecordRedirect 追加重定向目标，未知事务忽略
func (t *Tracker) RecordRedirect(id model.TransactionID, target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.txs[id]
	if !ok {
		t.log.Debug("重定向的事务不存在，忽略", "id", string(id), "target", target)
		return false
	}
	tx.RedirectChain = append(tx.RedirectChain, target)
	return true
}

// Response 响应头参数，事务缺失时用于补建记录
type Response struct {
	ID         model.TransactionID
	URL        string
	Method     string
	Context    model.ContextID
	Kind       model.ResourceKind
	StatusCode int
	Headers    traffic.Header
}

// RecordResponse 记录状态码与响应头；未见到请求开始时补建记录
func (t *Tracker) RecordResponse(r Response) Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.txs[r.ID]
	if !ok {
		t.log.Debug("响应对应的请求未被跟踪，补建记录", "id", string(r.ID), "url", r.URL)
		method := r.Method
		if method == "" {
			method = "GET"
		}
		tx = &Transaction{
			ID:        r.ID,
			URL:       r.URL,
			Method:    method,
			Context:   r.Context,
			Kind:      r.Kind,
			CreatedAt: t.now(),
		}
		t.txs[r.ID] = tx
	}
	tx.StatusCode = r.StatusCode
	tx.Headers = r.Headers.Clone()
	tx.ContentType = r.Headers.Get("content-type")
	tx.ContentDisposition = r.Headers.Get("content-disposition")
	tx.ContentLength = 0
	if n, err := strconv.ParseInt(r.Headers.Get("content-length"), 10, 64); err == nil && n >= 0 {
		tx.ContentLength = n
	}
	return tx.clone()
}

// FinalURL 返回事务的最终 URL
func (t *Tracker) FinalURL(id model.TransactionID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	if !ok {
		return "", false
	}
	return tx.FinalURL(), true
}

// Get 返回事务快照
func (t *Tracker) Get(id model.TransactionID) (Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return tx.clone(), true
}

// SetVerdict 记录分类结论与是否已拦截
func (t *Tracker) SetVerdict(id model.TransactionID, v model.Verdict, intercepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	if !ok {
		t.log.Debug("设置结论时事务不存在", "id", string(id), "verdict", string(v))
		return
	}
	tx.Verdict = v
	tx.Intercepted = intercepted
}

// Remove 删除事务
func (t *Tracker) Remove(id model.TransactionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.txs, id)
}

// RemoveContext 删除某个浏览上下文下的全部事务
func (t *Tracker) RemoveContext(ctx model.ContextID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tx := range t.txs {
		if tx.Context == ctx {
			delete(t.txs, id)
			n++
		}
	}
	return n
}

// Sweep 清理创建时间早于阈值的事务，与结论无关
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tx := range t.txs {
		if now.Sub(tx.CreatedAt) > t.staleAfter {
			delete(t.txs, id)
			n++
		}
	}
	if n > 0 {
		t.log.Debug("清理过期事务", "count", n, "remaining", len(t.txs))
	}
	return n
}

// Len 当前事务数量
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}
