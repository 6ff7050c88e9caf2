package main

import (
	"context"
	"testing"

	"github.com/timspizza/swiftpan/infrastructure/metrics"
	"github.com/timspizza/swiftpan/internal/credentials"
	"github.com/timspizza/swiftpan/internal/objectstore"
)

func TestPrebuildObjectStoreReturnsNilWhenUnconfigured(t *testing.T) {
	backend, err := credentials.NewBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	cache := objectstore.NewCache(metrics.NewWithRegistry("test", nil), nil)

	client, err := prebuildObjectStore(context.Background(), backend, cache)
	if err != nil {
		t.Fatalf("prebuildObjectStore() error = %v, want nil (unconfigured is not an error)", err)
	}
	if client != nil {
		t.Errorf("prebuildObjectStore() client = %v, want nil", client)
	}
}

func TestNowMillisIsPositive(t *testing.T) {
	if nowMillis() <= 0 {
		t.Error("nowMillis() <= 0, want a positive unix millis timestamp")
	}
}
