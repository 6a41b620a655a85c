// Package sink 本地下载落盘，作为伴随进程不可用时的兜底下载方式
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"nadecon/internal/identity"
	"nadecon/internal/logger"
)

var (
	// ErrPromptUnavailable 需要确认但未配置确认方式
	ErrPromptUnavailable = errors.New("sink: prompt unavailable")
	// ErrDeclined 用户取消保存
	ErrDeclined = errors.New("sink: declined by user")
	// ErrExists 目标文件已存在且不允许重命名
	ErrExists = errors.New("sink: file exists")
)

// Collision 文件名冲突策略
type Collision string

const (
	CollisionUniquify  Collision = "uniquify"
	CollisionOverwrite Collision = "overwrite"
	CollisionFail      Collision = "fail"
)

// Request 落盘请求
type Request struct {
	URL       string
	Filename  string
	Collision Collision
	Prompt    bool
	UserAgent string
}

// PromptFunc 保存前向用户确认文件名，返回最终文件名
type PromptFunc func(ctx context.Context, suggested string) (string, error)

// Config 落盘配置
type Config struct {
	Dir       string
	Client    *http.Client
	Prompt    PromptFunc
	UserAgent string
	Logger    logger.Logger
}

// FileSink 将 URL 内容下载到本地目录
type FileSink struct {
	dir       string
	client    *http.Client
	prompt    PromptFunc
	userAgent string
	log       logger.Logger
}

// New 创建本地落盘器
func New(cfg Config) *FileSink {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "nadecon"
	}
	return &FileSink{
		dir:       cfg.Dir,
		client:    client,
		prompt:    cfg.Prompt,
		userAgent: ua,
		log:       logger.OrNop(cfg.Logger).With("component", "sink"),
	}
}

// Submit 下载 URL 并保存到目标目录
func (s *FileSink) Submit(ctx context.Context, req Request) error {
	name := identity.Sanitize(req.Filename)
	if req.Prompt {
		if s.prompt == nil {
			return ErrPromptUnavailable
		}
		chosen, err := s.prompt(ctx, name)
		if err != nil {
			return err
		}
		if strings.TrimSpace(chosen) == "" {
			return ErrDeclined
		}
		name = identity.Sanitize(chosen)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("创建下载目录: %w", err)
	}
	target, err := resolveTarget(s.dir, name, req.Collision)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("构建请求: %w", err)
	}
	ua := req.UserAgent
	if ua == "" {
		ua = s.userAgent
	}
	httpReq.Header.Set("User-Agent", ua)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("下载请求: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("下载请求: HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.dir, ".nadecon-*.part")
	if err != nil {
		return fmt.Errorf("创建临时文件: %w", err)
	}
	written, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("写入文件: %w", errors.Join(copyErr, closeErr))
	}

	// 下载期间目标可能被占用，重新计算一次
	if req.Collision != CollisionOverwrite {
		if target, err = resolveTarget(s.dir, filepath.Base(target), req.Collision); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("保存文件: %w", err)
	}
	s.log.Info("本地下载完成", "path", target, "bytes", written)
	return nil
}

// resolveTarget 按冲突策略计算保存路径
func resolveTarget(dir, name string, policy Collision) (string, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	switch policy {
	case CollisionOverwrite:
		return path, nil
	case CollisionFail:
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	return Uniquify(dir, name), nil
}

// Uniquify 在文件名后追加 (n) 直到不与现有文件冲突
func Uniquify(dir, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, base+" ("+strconv.Itoa(i)+")"+ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// TerminalPrompt 在终端询问保存文件名，直接回车使用建议名，输入 - 取消；并发调用时逐个询问
func TerminalPrompt(in io.Reader, out io.Writer) PromptFunc {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(ctx context.Context, suggested string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "保存为 [%s]: ", suggested)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("%w: %v", ErrDeclined, err)
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return suggested, nil
		case "-":
			return "", ErrDeclined
		}
		return line, nil
	}
}
