package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/krishkalaria12/mesh-serve/conversion"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // each in-memory connection is its own database

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Job{}))
	return db
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	blobs := storage.NewMemoryStore()
	return NewStore(newTestDB(t), blobs, zap.NewNop()), blobs
}

// fakeClient scripts the conversion provider and counts every call.
type fakeClient struct {
	mu sync.Mutex

	submitID  string
	submitErr error
	pollFn    func(taskID string) (conversion.PollResult, error)
	fetchData []byte
	fetchErr  error

	submits int
	polls   int
	fetches int
}

func (f *fakeClient) Submit(_ context.Context, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.submitID, f.submitErr
}

func (f *fakeClient) Poll(_ context.Context, taskID string) (conversion.PollResult, error) {
	f.mu.Lock()
	f.polls++
	fn := f.pollFn
	f.mu.Unlock()

	if fn == nil {
		return conversion.PollResult{State: conversion.StateProcessing}, nil
	}
	return fn(taskID)
}

func (f *fakeClient) FetchArtifact(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.fetchData, f.fetchErr
}

func (f *fakeClient) counts() (submits, polls, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls, f.fetches
}

func newTestOrchestrator(t *testing.T, client conversion.Client, opts ...Option) (*Orchestrator, *Store, *storage.MemoryStore) {
	t.Helper()
	store, blobs := newTestStore(t)
	return NewOrchestrator(store, blobs, client, zap.NewNop(), opts...), store, blobs
}
