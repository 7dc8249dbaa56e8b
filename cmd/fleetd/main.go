package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"AgentFleet/internal/api"
	"AgentFleet/internal/archive"
	"AgentFleet/internal/config"
	"AgentFleet/internal/event"
	"AgentFleet/internal/fleet"
	"AgentFleet/internal/notify"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/pkg/logger"
)

// main 是 fleetd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("fleetd 运行失败: %v", err)
	}
}

func run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	inbound, err := openQueue(cfg.Queue, "")
	if err != nil {
		return err
	}
	defer closeQuietly("入站队列", inbound)

	notifier, outbound, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	if outbound != nil {
		defer closeQuietly("出站队列", outbound)
	}

	store, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	m := metrics.New(cfg.Metrics.Namespace)
	opts := []fleet.Option{
		fleet.WithNotifier(notifier),
		fleet.WithMetrics(m),
		fleet.WithAlertDispatcher(alerting.NewFanout(alerting.LogNotifier{})),
	}
	if store != nil {
		defer closeQuietly("归档库", store)
		opts = append(opts, fleet.WithArchiver(store))
	}
	coord, err := fleet.New(fleet.SettingsFrom(cfg), opts...)
	if err != nil {
		return err
	}

	router := event.NewRouter(coord,
		event.WithShards(cfg.Queue.Shards),
		event.WithDeduper(event.NewDeduper(cfg.Queue.DedupeTTL)),
	)
	router.Start(ctx)
	defer router.Stop()

	serverOpts := []api.Option{api.WithRouter(router), api.WithMetrics(m)}
	if store != nil {
		serverOpts = append(serverOpts, api.WithArchive(store))
	}
	server := api.NewServer(cfg.Server.Address, coord, serverOpts...)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	start("coordinator", coord.Run)
	start("consumer", func(ctx context.Context) error {
		return inbound.Consume(ctx, cfg.Queue.Workers, router.Handle)
	})
	start("api", server.Start)

	logger.L().Info("fleetd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("archive", cfg.Archive.Driver),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	return runErr
}

// openQueue 按驱动创建队列；name 为空时使用入站队列的默认名称。
func openQueue(cfg config.QueueConfig, name string) (event.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return event.NewMemoryQueue(1024), nil
	case "redis":
		queue := cfg.Redis.Queue
		if name != "" {
			queue = name
		}
		return event.NewRedisQueue(event.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		queue := cfg.RabbitMQ.Queue
		if name != "" {
			queue = name
		}
		return event.NewRabbitMQQueue(event.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	case "nats":
		subject := cfg.NATS.Subject
		if name != "" {
			subject = name
		}
		return event.NewNATSQueue(event.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: subject,
			Group:   cfg.NATS.Group,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildNotifier(cfg *config.Config) (notify.Notifier, event.Queue, error) {
	switch cfg.Notify.Driver {
	case "", "log":
		return notify.NewLog(), nil, nil
	case "queue":
		outbound, err := openQueue(cfg.Queue, cfg.Notify.Queue)
		if err != nil {
			return nil, nil, err
		}
		return notify.Fanout{notify.NewLog(), notify.NewQueue(outbound)}, outbound, nil
	default:
		return nil, nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return archive.NewMemoryStore(), nil
	case "mysql":
		return archive.NewMySQLStore(ctx, archive.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的归档驱动: %s", cfg.Driver)
	}
}

type closer interface{ Close() error }

func closeQuietly(name string, c closer) {
	if err := c.Close(); err != nil {
		logger.L().Warn("关闭资源失败", slog.String("resource", name), slog.Any("error", err))
	}
}
