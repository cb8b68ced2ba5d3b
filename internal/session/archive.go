package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"smartlog/internal/artifacts"
)

// ObjectArchiver writes one JSON bundle per session into an object store.
type ObjectArchiver struct {
	store  artifacts.Store
	prefix string
}

func NewObjectArchiver(store artifacts.Store, prefix string) *ObjectArchiver {
	if prefix == "" {
		prefix = "session-archive"
	}
	return &ObjectArchiver{store: store, prefix: prefix}
}

func (a *ObjectArchiver) ArchiveSession(
	ctx context.Context,
	partition, sessionID string,
	bundle map[string]json.RawMessage,
) error {
	payload, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"partition": partition,
		"files":     bundle,
	})
	if err != nil {
		return err
	}

	objectKey := fmt.Sprintf("%s/%s/%s.json", a.prefix, partition, sessionID)
	if err := a.store.StoreJSON(ctx, objectKey, payload); err != nil {
		if errors.Is(err, artifacts.ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	return nil
}
