package registrystore

import (
	"context"
	"testing"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(id string, now time.Time) *domain.ServiceInstance {
	return &domain.ServiceInstance{
		ID:             id,
		ServiceName:    "question-service",
		Host:           "10.0.0.1",
		Port:           8081,
		Status:         domain.StatusUp,
		Metadata:       map[string]string{"zone": "a"},
		RegisteredAt:   now,
		LastHeartbeat:  now,
		LeaseExpiresAt: now.Add(30 * time.Second),
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	inst := testInstance("i-1", now)
	require.NoError(t, store.SaveInstance(ctx, inst))

	inst.Metadata["zone"] = "mutated"
	list, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Metadata["zone"], "store must keep its own copy")

	later := now.Add(20 * time.Second)
	renewed, err := store.RenewLease(ctx, "i-1", later, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, later.Add(30*time.Second), renewed.LeaseExpiresAt)
	assert.Equal(t, later, renewed.LastHeartbeat)

	require.NoError(t, store.DeleteInstance(ctx, "i-1"))
	assert.ErrorIs(t, store.DeleteInstance(ctx, "i-1"), domain.ErrInstanceNotFound)
	list, err = store.ListInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_RenewUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.RenewLease(context.Background(), "missing", time.Now(), time.Second)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestMemoryStore_RenewMarksUp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	inst := testInstance("i-1", now)
	inst.Status = domain.StatusDown
	require.NoError(t, store.SaveInstance(ctx, inst))

	renewed, err := store.RenewLease(ctx, "i-1", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUp, renewed.Status)
}
