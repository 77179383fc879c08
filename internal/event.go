package internal

import (
	"encoding/json"

	"modsync/pkg/catalog"
)

const (
	EventModuleAdded   = "module.added"
	EventModuleUpdated = "module.updated"
	EventModuleRemoved = "module.removed"
)

// Event describes one module change produced by a refresh.
type Event struct {
	Repository string                 `json:"repository"`
	Name       string                 `json:"name"`
	ModuleID   string                 `json:"module_id"`
	Data       map[string]interface{} `json:"data"`
	RawPayload []byte                 `json:"-"`
}

// NewModuleEvent builds an event whose data is the module's JSON form with
// download tokens masked.
func NewModuleEvent(repository, name string, module *catalog.Module) (Event, error) {
	raw, err := json.Marshal(module.Redacted())
	if err != nil {
		return Event{}, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return Event{}, err
	}
	return Event{
		Repository: repository,
		Name:       name,
		ModuleID:   module.ID,
		Data:       data,
		RawPayload: raw,
	}, nil
}
