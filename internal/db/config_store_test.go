package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifier/internal/types"
)

func TestConfigStore_PutRule_CreatesOrUpdates(t *testing.T) {
	db := new(mockDBTX)
	store := NewConfigStore(db)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", ctx, sqlContaining("INSERT INTO rules"), mock.Anything).
		Return(rowOf(int64(7), ts, ts)).Once()
	db.On("QueryRow", ctx, sqlContaining("UPDATE rules"), mock.Anything).
		Return(rowOf(ts, ts.Add(time.Hour))).Once()

	created, err := store.PutRule(ctx, types.Rule{Tenant: "acme", Name: "invoices", MatcherPluginID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), created.ID)

	created.Active = true
	updated, err := store.PutRule(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, ts.Add(time.Hour), updated.UpdatedAt)
	assert.True(t, updated.Active)
	db.AssertExpectations(t)
}

func TestConfigStore_PutPluginConfiguration(t *testing.T) {
	db := new(mockDBTX)
	store := NewConfigStore(db)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", ctx, sqlContaining("INSERT INTO plugin_configurations"), mock.Anything).
		Return(rowOf(ts))

	cfg, err := store.PutPluginConfiguration(ctx, types.PluginConfiguration{
		Tenant: "acme", BusinessID: "hook", PluginID: "webhook", Kind: types.PluginKindRecipient,
	})
	require.NoError(t, err)
	assert.Equal(t, ts, cfg.UpdatedAt)
	db.AssertExpectations(t)
}
