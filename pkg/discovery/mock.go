package discovery

import (
	"context"

	"go.uber.org/zap"
)

// MockShardDiscovery is a no-op ShardDiscoveryService for local development
// and tests, where there is no real Kubernetes API server to list pods
// against.
type MockShardDiscovery struct {
	logger *zap.Logger
	Shards []DiscoveredShard
}

// NewMockShardDiscovery creates a mock discovery service returning a fixed
// shard list (empty by default).
func NewMockShardDiscovery(logger *zap.Logger) *MockShardDiscovery {
	return &MockShardDiscovery{logger: logger}
}

// DiscoverShards returns the configured fixed shard list.
func (m *MockShardDiscovery) DiscoverShards(ctx context.Context) ([]DiscoveredShard, error) {
	return m.Shards, nil
}
