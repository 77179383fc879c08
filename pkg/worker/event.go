package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"modsync/internal"
	"modsync/pkg/catalog"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Kind is the change a module event describes.
type Kind string

const (
	Added   Kind = internal.EventModuleAdded
	Updated Kind = internal.EventModuleUpdated
	Removed Kind = internal.EventModuleRemoved
)

// ErrMalformed is returned by Decode for messages that were not produced by
// a modsync refresh. Redelivery cannot fix them.
var ErrMalformed = errors.New("malformed module event")

// Event is one module change received from a broker.
type Event struct {
	Repository string
	Kind       Kind
	Topic      string
	Driver     string
	Module     catalog.Module
}

// Decode reads a module event: the module JSON as payload, with the
// repository, event and module_id metadata set by the publisher.
func Decode(topic string, msg *message.Message) (Event, error) {
	kind := Kind(msg.Metadata.Get("event"))
	switch kind {
	case Added, Updated, Removed:
	default:
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformed, kind)
	}

	var mod catalog.Module
	if err := json.Unmarshal(msg.Payload, &mod); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if id := msg.Metadata.Get("module_id"); id != "" && mod.ID != "" && id != mod.ID {
		return Event{}, fmt.Errorf("%w: module_id %q does not match payload id %q", ErrMalformed, id, mod.ID)
	} else if mod.ID == "" {
		mod.ID = id
	}
	if mod.ID == "" {
		return Event{}, fmt.Errorf("%w: module id missing", ErrMalformed)
	}

	return Event{
		Repository: msg.Metadata.Get("repository"),
		Kind:       kind,
		Topic:      topic,
		Module:     mod,
	}, nil
}
