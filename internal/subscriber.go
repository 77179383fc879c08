package internal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	stan "github.com/nats-io/stan.go"
)

// ErrNoSubscriber marks drivers that modsync can publish to but not consume
// from in another process: gochannel lives inside the publisher, http posts
// to arbitrary URLs and riverqueue jobs are worked by a river client.
var ErrNoSubscriber = errors.New("driver has no subscriber side")

// NewSubscribers builds a subscriber for every configured broker driver.
// group is used as the consumer group, durable name and queue suffix so
// several workers can share one stream.
func NewSubscribers(cfg WatermillConfig, group string) (map[string]message.Subscriber, error) {
	logger := NewWatermillLogger(NewLogger("subscriber"))
	if group == "" {
		group = "modsync-worker"
	}

	subs := make(map[string]message.Subscriber)
	for _, driver := range cfg.ActiveDrivers() {
		if err := checkSubscriberConfig(cfg, driver); err != nil {
			logger.Info("skipping subscriber driver", watermill.LogFields{"driver": driver, "reason": err.Error()})
			continue
		}
		sub, err := retryBuild(buildAttempts, buildDelay, func() (message.Subscriber, error) {
			return newSubscriber(cfg, driver, group, logger)
		})
		if err != nil {
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		subs[driver] = sub
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscribers available for drivers %v", cfg.ActiveDrivers())
	}
	return subs, nil
}

// ActiveDrivers returns the configured drivers, lower-cased and deduplicated.
func (c WatermillConfig) ActiveDrivers() []string {
	candidates := c.Drivers
	if len(candidates) == 0 && c.Driver != "" {
		candidates = []string{c.Driver}
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, driver := range candidates {
		driver = strings.ToLower(strings.TrimSpace(driver))
		if driver == "" {
			continue
		}
		if _, ok := seen[driver]; ok {
			continue
		}
		seen[driver] = struct{}{}
		out = append(out, driver)
	}
	return out
}

func checkSubscriberConfig(cfg WatermillConfig, driver string) error {
	switch driver {
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers are required")
		}
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return errors.New("nats cluster_id and client_id are required")
		}
	case "amqp":
		if cfg.AMQP.URL == "" {
			return errors.New("amqp url is required")
		}
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return errors.New("sql driver and dsn are required")
		}
	case "gochannel", "http", "riverqueue":
		return ErrNoSubscriber
	default:
		return fmt.Errorf("unsupported watermill driver: %s", driver)
	}
	return nil
}

func newSubscriber(cfg WatermillConfig, driver, group string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	switch driver {
	case "kafka":
		return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: group,
		}, nil, wmkafka.DefaultMarshaler{}, logger)
	case "nats":
		natsCfg := wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    cfg.NATS.ClientID + "-" + group,
			QueueGroup:  group,
			DurableName: group,
			Unmarshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		return wmnats.NewStreamingSubscriber(natsCfg, logger)
	case "amqp":
		amqpCfg, err := amqpSubscriberConfig(cfg.AMQP, group)
		if err != nil {
			return nil, err
		}
		return wmamaqp.NewSubscriber(amqpCfg, logger)
	case "sql":
		schemaAdapter, err := sqlSchemaAdapter(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		offsetsAdapter, err := sqlOffsetsAdapter(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
			ConsumerGroup:    group,
			SchemaAdapter:    schemaAdapter,
			OffsetsAdapter:   offsetsAdapter,
			InitializeSchema: cfg.SQL.InitializeSchema || cfg.SQL.AutoInitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &dbSubscriber{Subscriber: sub, db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported watermill driver: %s", driver)
	}
}

// amqpSubscriberConfig mirrors the publisher's mode; pub/sub modes get one
// queue per topic and group so every worker group sees every event.
func amqpSubscriberConfig(cfg AMQPConfig, group string) (wmamaqp.Config, error) {
	switch strings.ToLower(cfg.Mode) {
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(cfg.URL, wmamaqp.GenerateQueueNameTopicNameWithSuffix(group)), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(cfg.URL, wmamaqp.GenerateQueueNameTopicNameWithSuffix(group)), nil
	default:
		return amqpConfigFromMode(cfg.URL, cfg.Mode)
	}
}

func sqlOffsetsAdapter(dialect string) (wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

type dbSubscriber struct {
	message.Subscriber
	db *sql.DB
}

func (s *dbSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.db.Close())
}
