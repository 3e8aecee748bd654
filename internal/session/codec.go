package session

import (
	"fmt"

	"github.com/bytedance/sonic"

	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/storage"
)

// KeyPrefix namespaces session blobs in the shared store.
const KeyPrefix = "meal_session:"

func key(id string) string {
	return KeyPrefix + id
}

func encode(s *models.MealSession) ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

func decode(rec storage.Record) (*models.MealSession, error) {
	var s models.MealSession
	if err := sonic.Unmarshal(rec.Value, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	s.Revision = rec.Revision
	return &s, nil
}
