package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
)

// FiberStorage adapts a fiber.Storage backend, such as the in-memory storage
// used when no redis is configured. The backend API has no context, so ctx
// is ignored.
type FiberStorage struct {
	backend fiber.Storage
}

func (s *FiberStorage) Get(_ context.Context, key string, val any) error {
	data, err := s.backend.Get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(data, val)
}

func (s *FiberStorage) Set(_ context.Context, key string, val any, expiresIn time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.backend.Set(key, data, expiresIn)
}

func (s *FiberStorage) Delete(_ context.Context, key string) error {
	return s.backend.Delete(key)
}

func NewFiberStorage(backend fiber.Storage) *FiberStorage {
	return &FiberStorage{
		backend: backend,
	}
}
