package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shardex/internal/config"
	"shardex/internal/executor"
	"shardex/internal/job"
	"shardex/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logs, root := logx.New(config.LogxConfig(cfg))
	defer logs.Close()
	log := root.With(logx.String("comp", "main"))

	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return config.Validate(c) })

	opts, err := executor.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	center, err := executor.OpenCenter(ctx, cfg, root)
	if err != nil {
		return err
	}
	store, err := executor.OpenStore(cfg, root)
	if err != nil {
		_ = center.Close()
		return err
	}

	factory := job.NewFactory()
	// GO_JOB items echo their parameter; real deployments register their own types.
	_ = job.RegisterBuiltins(factory, func(_ context.Context, sc *job.ShardContext) (string, error) {
		return sc.Param, nil
	})

	opts.Center, opts.Store, opts.Factory, opts.Log = center, store, factory, root
	exec, err := executor.New(opts)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = center.Close()
		return err
	}
	defer func() {
		if err := exec.Close(); err != nil {
			log.Warn("close failed", logx.Err(err))
		}
	}()

	if err := exec.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = exec.Stop(stopCtx)
		cancel()
		return err
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}

	go reloadLoop(ctx, cfgm, logs, log)
	go func() {
		if err := cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("stopping", logx.String("reason", "signal"))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return exec.Stop(stopCtx)
}

// reloadLoop applies logging changes live and flags the rest as needing a restart.
func reloadLoop(ctx context.Context, cfgm *config.Manager, logs *logx.Service, log logx.Logger) {
	sub := cfgm.Subscribe(8)
	defer cfgm.Unsubscribe(sub)
	last := cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(sections) == 0 {
				log.Info("config reloaded (no changes)")
				continue
			}
			logs.Apply(config.LogxConfig(next))
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			log.Info("config reloaded", fields...)
			if config.RestartRequired(sections) {
				log.Warn("restart required for some changes to take effect", logx.String("changed", strings.Join(sections, ",")))
			}
		}
	}
}
