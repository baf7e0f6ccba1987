// Recovery host: runs the outbox publisher, inbox cleaner, and
// dead-letter replayer against shared stores, leader-elected so one
// instance per deployment drives them.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"go.catga.dev/config"
	"go.catga.dev/lifecycle"
	"go.catga.dev/lock"
	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/recovery"
	"go.catga.dev/store/dlq"
	"go.catga.dev/store/inbox"
	"go.catga.dev/store/outbox"
	"go.catga.dev/transport"
	"go.catga.dev/transport/natsq"
	"go.catga.dev/transport/redisq"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	metrics.SetEnabled(true)

	slog.Info("Starting recovery host", "version", version)

	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", redisOpts.Addr)

	bus, cleanup, err := buildTransport(ctx, cfg, client)
	if err != nil {
		slog.Error("Failed to build transport", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	outboxStore := outbox.NewRedisStore(client)
	inboxStore := inbox.NewRedisStore(client, inbox.Options{Retention: cfg.Stores.InboxRetention.Std()})
	deadQueue := dlq.NewRedisStore(client)

	var election lock.Election
	if cfg.Leader.Enabled {
		electionCfg := lock.DefaultElectionConfig(cfg.Leader.LockName)
		if cfg.Leader.InstanceID != "" {
			electionCfg.InstanceID = cfg.Leader.InstanceID
		}
		if cfg.Leader.TTL.Std() > 0 {
			electionCfg.TTL = cfg.Leader.TTL.Std()
		}
		if cfg.Leader.RefreshInterval.Std() > 0 {
			electionCfg.RefreshInterval = cfg.Leader.RefreshInterval.Std()
		}
		election = lock.NewRedisElection(client, electionCfg)
		slog.Info("Leader election enabled",
			"lockName", cfg.Leader.LockName, "instanceId", electionCfg.InstanceID)
	}

	hostOpts := recovery.HostOptions{
		Publisher: recovery.PublisherOptions{
			PollInterval:    cfg.Recovery.PollInterval.Std(),
			BatchSize:       cfg.Recovery.BatchSize,
			ClaimTTL:        cfg.Recovery.ClaimTTL.Std(),
			MaxRetries:      cfg.Recovery.MaxRetries,
			SubjectPrefix:   cfg.SubjectPrefix,
			QoS:             message.QoS(cfg.DefaultQoS),
			DLQRate:         rate.Limit(cfg.Recovery.DLQRatePerSecond),
			DLQBurst:        cfg.Recovery.DLQBurst,
			RetentionPeriod: cfg.Stores.OutboxRetention.Std(),
		},
		Cleaner: recovery.CleanerOptions{
			CleanInterval: cfg.Recovery.CleanInterval.Std(),
			Retention:     cfg.Stores.InboxRetention.Std(),
		},
		Replayer: recovery.ReplayerOptions{
			SubjectPrefix: cfg.SubjectPrefix,
		},
	}
	host := recovery.NewHost(outboxStore, inboxStore, deadQueue, bus, election, hostOpts)

	if err := lifecycle.Run(ctx, host.Services()...); err != nil {
		slog.Error("Recovery host exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Recovery host stopped")
}

// buildTransport prefers NATS JetStream when configured and falls back
// to Redis pub/sub over the existing client.
func buildTransport(ctx context.Context, cfg *config.Config, client *redis.Client) (transport.Transport, func(), error) {
	if cfg.NATS.Embedded {
		server, err := natsq.NewEmbeddedServer(&natsq.EmbeddedConfig{DataDir: cfg.NATS.DataDir})
		if err != nil {
			return nil, nil, err
		}
		opts := natsq.DefaultOptions()
		opts.StreamName = cfg.NATS.Stream
		opts.SubjectPrefix = cfg.SubjectPrefix
		bus, err := natsq.New(ctx, server.Connection(), opts)
		if err != nil {
			server.Close()
			return nil, nil, err
		}
		return bus, func() { server.Close() }, nil
	}

	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectHandler(func(*nats.Conn) { slog.Info("NATS reconnected") }),
		)
		if err != nil {
			return nil, nil, err
		}
		opts := natsq.DefaultOptions()
		opts.StreamName = cfg.NATS.Stream
		opts.SubjectPrefix = cfg.SubjectPrefix
		bus, err := natsq.New(ctx, conn, opts)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		slog.Info("Using NATS JetStream transport", "url", cfg.NATS.URL)
		return bus, func() { conn.Close() }, nil
	}

	slog.Info("Using Redis pub/sub transport")
	bus := redisq.New(client, redisq.DefaultOptions())
	return bus, func() { bus.Close() }, nil
}
