package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nadecon/internal/cdp"
	"nadecon/internal/config"
	"nadecon/internal/logger"
	"nadecon/pkg/api"
	"nadecon/pkg/model"
)

func main() {
	var (
		configFlag   = flag.String("config", "", "配置文件路径 (YAML)")
		devtoolsFlag = flag.String("devtools", "", "DevTools 地址，覆盖配置")
		targetFlag   = flag.String("target", "", "要附加的目标 ID，默认第一个页面")
		listFlag     = flag.Bool("list", false, "列出浏览器目标后退出")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *devtoolsFlag != "" {
		cfg.DevTools.URL = *devtoolsFlag
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})

	if err := run(cfg, log, model.TargetID(*targetFlag), *listFlag); err != nil {
		log.Err(err, "程序异常退出")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger, target model.TargetID, list bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	mgr := cdp.New(cdp.Config{
		DevToolsURL:    cfg.DevTools.URL,
		Concurrency:    cfg.DevTools.Concurrency,
		ProcessTimeout: time.Duration(cfg.DevTools.ProcessTimeoutMS) * time.Millisecond,
		Dispatcher:     svc,
		Logger:         log,
	})
	defer mgr.Close()

	if list {
		targets, err := mgr.ListTargets(ctx)
		if err != nil {
			return err
		}
		for _, t := range targets {
			fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
		}
		return nil
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	id, err := mgr.AttachTarget(ctx, target)
	if err != nil {
		return err
	}
	if err := mgr.Enable(); err != nil {
		return err
	}
	log.Info("开始拦截下载", "target", string(id), "devtools", cfg.DevTools.URL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logEvents(ctx, log, svc.SubscribeEvents())
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("收到退出信号，正在停止")
		return mgr.Disable()
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// logEvents 将引擎事件写入日志
func logEvents(ctx context.Context, log logger.Logger, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			kv := []any{"type", string(evt.Type)}
			if evt.Context != "" {
				kv = append(kv, "context", string(evt.Context))
			}
			if evt.URL != "" {
				kv = append(kv, "url", evt.URL)
			}
			if evt.Filename != "" {
				kv = append(kv, "filename", evt.Filename)
			}
			if evt.Link != "" {
				kv = append(kv, "link", string(evt.Link))
			}
			if evt.Outcome != nil {
				kv = append(kv, "via", string(evt.Outcome.Via), "state", string(evt.Outcome.State))
			}
			if evt.Message != "" {
				kv = append(kv, "message", evt.Message)
			}
			switch evt.Type {
			case model.EventDownloadAbandoned, model.EventCompanionError:
				log.Warn("引擎事件", kv...)
			default:
				log.Info("引擎事件", kv...)
			}
		}
	}
}
