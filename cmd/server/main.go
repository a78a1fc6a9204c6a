package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ksdme/mta/internal/bus"
	"github.com/ksdme/mta/internal/config"
	"github.com/ksdme/mta/internal/core"
	"github.com/ksdme/mta/internal/inbound"
	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/queue"
	"github.com/ksdme/mta/internal/utils"
	"github.com/ksdme/mta/internal/verify"
	"github.com/redis/go-redis/v9"
)

func main() {
	if config.Core.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	db, err := utils.OpenDB(config.Core.DBURI)
	if err != nil {
		log.Panicf("%v", err)
	}
	defer db.Close()

	services, err := core.NewServices(db)
	if err != nil {
		log.Panicf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var locker queue.Locker
	if config.Core.RedisURL != "" {
		options, err := redis.ParseURL(config.Core.RedisURL)
		if err != nil {
			log.Panicf("invalid redis url: %v", err)
		}
		client := redis.NewClient(options)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			log.Panicf("could not reach redis: %v", err)
		}
		locker = queue.NewRedisLocker(client, config.Queue.LockTTL)
		slog.Info("using redis for message locks")
	}

	wake := bus.NewSignalBus[struct{}]()
	scheduler := queue.NewScheduler(services.Store, services.Sender, locker, wake, queue.Options{
		PollInterval: config.Queue.PollInterval,
		BatchSize:    config.Queue.BatchSize,
		MaxAttempts:  config.Queue.MaxAttempts,
		BaseBackoff:  config.Queue.BaseBackoff,
		Workers:      config.Queue.Workers,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			slog.Debug("worker exited", "worker", name)
		}()
	}

	run("queue", func() { scheduler.Run(ctx) })

	if config.Core.InboundEnabled {
		l, err := net.Listen("tcp", config.Inbound.BindAddr)
		if err != nil {
			log.Panicf("could not listen on %s: %v", config.Inbound.BindAddr, err)
		}

		backend := inbound.NewBackend(services.Store, services.Store, wake, config.Inbound.ForwardLocalPart)
		server := inbound.NewServer(backend, inbound.Options{
			Addr:            config.Inbound.BindAddr,
			Hostname:        config.Inbound.Hostname,
			MaxMessageBytes: config.Inbound.MaxMessageBytes,
		})
		run("inbound", func() {
			if err := inbound.Serve(ctx, server, l); err != nil {
				slog.Error("inbound listener stopped", "err", err)
				stop()
			}
		})
	}

	if config.Verify.Interval > 0 {
		monitor := verify.NewMonitor(services.Verifier, services.Store, config.Verify.Interval, services.ExpectedIP)
		run("monitor", func() { monitor.Run(ctx) })
	}

	if config.Core.MetricsBindAddr != "" {
		run("metrics", func() {
			if err := metrics.Serve(ctx, config.Core.MetricsBindAddr); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		})
	}

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}
