// Package discovery finds shard-process endpoints running in Kubernetes, so
// a config server can auto-register newly scheduled shard replicas with the
// catalog instead of requiring an operator to call RegisterShard by hand for
// every pod.
package discovery

import (
	"context"
	"strconv"
)

// DiscoveredShard is one shard-labeled pod found in the cluster.
type DiscoveredShard struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	ShardID   string            `json:"shard_id"`
	PodIP     string            `json:"pod_ip"`
	Port      int32             `json:"port"`
	Labels    map[string]string `json:"labels"`
	Ready     bool              `json:"ready"`
}

// Host returns the shard's dial address.
func (d DiscoveredShard) Host() string {
	if d.PodIP == "" || d.Port == 0 {
		return ""
	}
	return d.PodIP + ":" + strconv.Itoa(int(d.Port))
}

// ShardDiscoveryService finds shard pods by label selector.
type ShardDiscoveryService interface {
	// DiscoverShards lists every shard pod currently matching the
	// configured selector.
	DiscoverShards(ctx context.Context) ([]DiscoveredShard, error)
}
