package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/memory"
)

func TestTimelineRepository_AppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{
		OrderID: "order-1", Type: domain.TimelineLineQuantityChanged, Occurred: now.Add(time.Second),
	}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{
		OrderID: "order-1", Type: domain.TimelineOrderCreated, Occurred: now,
	}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "order-2", Type: domain.TimelineOrderCreated}))

	events, err := repo.List(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	require.Equal(t, domain.TimelineLineQuantityChanged, events[1].Type)

	other, err := repo.List(ctx, "order-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.False(t, other[0].Occurred.IsZero())

	empty, err := repo.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}
