package controllers

import (
	"context"

	"modsync/internal"
	"modsync/pkg/worker"
)

var logger = internal.NewLogger("worker-boilerplate")

// HandleModuleChanged runs for added and updated modules.
func HandleModuleChanged(ctx context.Context, evt worker.Event) error {
	mod := evt.Module
	logger.Info("module changed",
		"event", evt.Kind,
		"repository", evt.Repository,
		"module", mod.ID,
		"version", mod.Version,
		"minApi", mod.MinAPI,
		"zip", mod.ZipURL,
	)
	return nil
}

// HandleModuleRemoved runs for modules that left the catalog.
func HandleModuleRemoved(ctx context.Context, evt worker.Event) error {
	logger.Info("module removed", "repository", evt.Repository, "module", evt.Module.ID)
	return nil
}

// HandleRuleMatch runs for modules routed to a rule topic.
func HandleRuleMatch(ctx context.Context, evt worker.Event) error {
	logger.Info("rule matched", "topic", evt.Topic, "event", evt.Kind, "module", evt.Module.ID, "driver", evt.Driver)
	return nil
}
