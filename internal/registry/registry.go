// Package registry 按浏览上下文保存检测到的媒体候选，保持插入顺序
package registry

import (
	"sort"
	"sync"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
)

type bucket struct {
	order []string
	items map[string]model.MediaCandidate
}

// Registry 媒体候选表，键为 (上下文, 规范 URL)
type Registry struct {
	mu       sync.RWMutex
	contexts map[model.ContextID]*bucket
	log      logger.Logger
}

// New 创建媒体候选表
func New(l logger.Logger) *Registry {
	return &Registry{
		contexts: make(map[model.ContextID]*bucket),
		log:      logger.OrNop(l).With("component", "registry"),
	}
}

// Add 追加候选，同一上下文内 URL 已存在时返回 false
func (r *Registry) Add(ctx model.ContextID, c model.MediaCandidate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.contexts[ctx]
	if !ok {
		b = &bucket{items: make(map[string]model.MediaCandidate)}
		r.contexts[ctx] = b
	}
	if _, dup := b.items[c.URL]; dup {
		return false
	}
	b.order = append(b.order, c.URL)
	b.items[c.URL] = c
	r.log.Debug("新增媒体候选", "context", string(ctx), "url", c.URL, "manifest", c.IsManifest)
	return true
}

// List 按插入顺序返回上下文的候选
func (r *Registry) List(ctx model.ContextID) []model.MediaCandidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.contexts[ctx]
	if !ok {
		return nil
	}
	out := make([]model.MediaCandidate, 0, len(b.order))
	for _, u := range b.order {
		out = append(out, b.items[u])
	}
	return out
}

// Clear 清空单个上下文，返回移除的数量
func (r *Registry) Clear(ctx model.ContextID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.contexts[ctx]
	if !ok {
		return 0
	}
	delete(r.contexts, ctx)
	r.log.Info("清空上下文媒体候选", "context", string(ctx), "count", len(b.order))
	return len(b.order)
}

// ClearAll 清空全部上下文
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = make(map[model.ContextID]*bucket)
	r.log.Info("清空全部媒体候选")
}

// Contexts 返回有候选的上下文，按 ID 排序
func (r *Registry) Contexts() []model.ContextID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]model.ContextID, 0, len(r.contexts))
	for id := range r.contexts {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Len 上下文内候选数量
func (r *Registry) Len(ctx model.ContextID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.contexts[ctx]; ok {
		return len(b.order)
	}
	return 0
}
