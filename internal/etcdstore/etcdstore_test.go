package etcdstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// These tests need a running etcd instance, set ETCD_ENDPOINTS to its
// address to run them (e.g. via `docker run -p 2379:2379 bitnami/etcd`).
func testStore(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("ETCD_ENDPOINTS")
	if endpoint == "" {
		t.Skip("ETCD_ENDPOINTS not set, skipping etcd-backed test")
	}
	s, err := New(Config{
		Endpoints:      []string{endpoint},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return s
}

func TestStore_PutDeleteRoundTrip(t *testing.T) {
	s := testStore(t)
	defer s.Close()
	ctx := context.Background()

	inst := &registry.ServiceInstance{ID: "inst-1", Name: "market", Address: "10.0.0.1:9000"}
	tools := []registry.ToolDescriptor{{QualifiedName: "market.stock_quote", OwningServiceName: "market"}}
	require.NoError(t, s.Put(ctx, inst, tools))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	found := false
	for _, rec := range all {
		if rec.Instance.ID == inst.ID {
			found = true
			require.Equal(t, inst.Address, rec.Instance.Address)
			require.Len(t, rec.Tools, 1)
			require.Equal(t, "market.stock_quote", rec.Tools[0].QualifiedName)
		}
	}
	require.True(t, found)

	require.NoError(t, s.Delete(ctx, inst.ID))

	all, err = s.LoadAll(ctx)
	require.NoError(t, err)
	for _, rec := range all {
		require.NotEqual(t, inst.ID, rec.Instance.ID)
	}
}
