package main

import (
	"context"
	"fmt"
	"time"

	"agent-relay/internal/common/auth"
	"agent-relay/internal/common/aws"
	"agent-relay/internal/common/config"
	"agent-relay/internal/common/database"
	relayhttp "agent-relay/internal/common/http"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/relay/archive"
	"agent-relay/internal/relay/ledger"
	"agent-relay/pkg/registry"
)

// retryWithBackoff runs operation until it succeeds, doubling the delay
// between attempts.
func retryWithBackoff(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err,
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

type dependencies struct {
	ledger   ledger.Ledger
	redis    *database.RedisClient
	postgres *database.PostgresClient
	es       *database.ElasticsearchClient
}

// connect builds the ledger and whatever archive backends are enabled.
func connect(ctx context.Context, cfg *config.Config, log logger.Logger) (*dependencies, error) {
	deps := &dependencies{}
	opts := ledger.Options{
		Retention:  config.GetDuration(cfg.Relay.ResultRetention),
		ClaimGrace: config.GetDuration(cfg.Relay.ClaimGrace),
	}

	switch cfg.Ledger.Backend {
	case "redis":
		deps.redis = database.NewRedis(cfg.Database.Redis)
		err := retryWithBackoff(ctx, func() error {
			return deps.redis.Ping(ctx)
		}, 10, 2*time.Second, log, "Redis connection")
		if err != nil {
			return nil, err
		}
		deps.ledger = ledger.NewRedisLedger(deps.redis.Client, cfg.Ledger.KeyPrefix, opts)
		log.Info("Redis ledger connected", map[string]interface{}{"address": cfg.Database.Redis.Address})
	default:
		deps.ledger = ledger.NewMemoryLedger(opts)
		log.Info("In-memory ledger ready", nil)
	}

	if cfg.Archive.Postgres {
		pg, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		err = retryWithBackoff(ctx, func() error {
			return pg.Ping(ctx)
		}, 15, 2*time.Second, log, "PostgreSQL connection")
		if err != nil {
			return nil, err
		}
		deps.postgres = pg
		log.Info("PostgreSQL connected", nil)
	}

	if cfg.Archive.Elasticsearch {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return nil, err
		}
		err = retryWithBackoff(ctx, func() error {
			return es.Ping(ctx)
		}, 15, 2*time.Second, log, "Elasticsearch connection")
		if err != nil {
			return nil, err
		}
		deps.es = es
		log.Info("Elasticsearch connected", nil)
	}
	return deps, nil
}

func (d *dependencies) close(log logger.Logger) {
	if err := d.ledger.Close(); err != nil {
		log.Error("ledger close failed", map[string]interface{}{"error": err})
	}
	if d.postgres != nil {
		if err := d.postgres.Close(); err != nil {
			log.Error("postgres close failed", map[string]interface{}{"error": err})
		}
	}
}

// buildAuthenticator chains the registry file and token introspection,
// whichever are configured.
func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	var chain auth.Chain

	if cfg.Auth.RegistryPath != "" {
		reg, err := registry.LoadRegistry(cfg.Auth.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("load agent registry: %w", err)
		}
		static, err := auth.NewStaticAuthenticator(reg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}

	if in := cfg.Auth.Introspection; in.Enabled {
		chain = append(chain, auth.NewIntrospectionAuthenticator(auth.IntrospectionConfig{
			URL:          in.URL,
			ClientID:     in.ClientID,
			ClientSecret: in.ClientSecret,
			CacheTTL:     config.GetDuration(in.CacheTTL),
		}, relayhttp.NewClient(config.GetDuration(in.Timeout))))
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

// buildArchive assembles the enabled sinks behind one dispatcher.
func buildArchive(ctx context.Context, cfg *config.Config, deps *dependencies, log logger.Logger) (*archive.Dispatcher, error) {
	var sinks []archive.Sink

	if deps.postgres != nil {
		pg := archive.NewPostgresSink(deps.postgres.DB)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if deps.es != nil {
		sinks = append(sinks, archive.NewElasticsearchSink(deps.es.Client, cfg.Database.Elasticsearch.Index))
	}

	if cfg.Archive.Notify {
		n := cfg.Notifications
		var (
			topic archive.TopicPublisher
			email archive.EmailSender
		)
		if n.SNS.Enabled {
			c, err := aws.NewSNSClient(ctx, n.AWS.Region)
			if err != nil {
				return nil, err
			}
			topic = c
		}
		if n.Email.Enabled {
			c, err := aws.NewSESClient(ctx, n.AWS.Region)
			if err != nil {
				return nil, err
			}
			email = c
		}
		sinks = append(sinks, archive.NewNotifySink(topic, email, archive.NotifyConfig{
			TopicARN:  n.SNS.TopicARN,
			FromEmail: n.Email.FromEmail,
			To:        n.Email.To,
			Codes:     n.Codes,
		}))
	}

	return archive.NewDispatcher(log, cfg.Archive.Workers, cfg.Archive.QueueSize, sinks...), nil
}
