package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// RiverModuleArgs is the job argument layout written for river workers.
type RiverModuleArgs struct {
	Repository string          `json:"repository"`
	Event      string          `json:"event"`
	ModuleID   string          `json:"module_id"`
	Module     json.RawMessage `json:"module"`
}

// riverQueuePublisher inserts module events as river jobs.
type riverQueuePublisher struct {
	db  *sql.DB
	cfg RiverQueueConfig
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("riverqueue dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &riverQueuePublisher{db: db, cfg: cfg}, nil
}

// Publish inserts a new job into the river jobs table.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	args, err := riverArgs(event)
	if err != nil {
		return err
	}

	metadata := map[string]interface{}{
		"repository": event.Repository,
		"event":      event.Name,
		"module_id":  event.ModuleID,
		"topic":      topic,
	}
	metadataPayload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "river_job"
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		table,
	)

	priority := p.cfg.Priority
	if priority <= 0 {
		priority = 1
	}
	_, err = p.db.ExecContext(
		ctx,
		query,
		string(args),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadataPayload),
		priority,
		p.cfg.Queue,
		pq.Array(p.cfg.Tags),
	)
	return err
}

func riverArgs(event Event) ([]byte, error) {
	module := json.RawMessage(event.RawPayload)
	if len(module) == 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return nil, err
		}
		module = encoded
	}
	return json.Marshal(RiverModuleArgs{
		Repository: event.Repository,
		Event:      event.Name,
		ModuleID:   event.ModuleID,
		Module:     module,
	})
}

// Close closes the underlying database connection.
func (p *riverQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}
