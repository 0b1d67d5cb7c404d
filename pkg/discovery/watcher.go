package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// ShardWatchCallback is called whenever the set of discovered shard pods
// changes, with the full current set (not a delta).
type ShardWatchCallback func(shards []DiscoveredShard)

// ShardWatcher keeps a live view of shard pods via the Kubernetes watch
// API, falling back to a periodic full resync so a missed or dropped watch
// event can never leave the view permanently stale.
type ShardWatcher struct {
	client        kubernetes.Interface
	logger        *zap.Logger
	namespace     string
	labelSelector string
	portName      string

	mu             sync.RWMutex
	discovered     map[string]DiscoveredShard // keyed by pod name
	callbacks      []ShardWatchCallback
	resyncInterval time.Duration
	stopCh         chan struct{}
}

// ShardWatcherConfig configures a ShardWatcher.
type ShardWatcherConfig struct {
	Namespace      string
	LabelSelector  string
	PortName       string
	ResyncInterval time.Duration
}

// NewShardWatcher builds a watcher from an existing clientset.
func NewShardWatcher(client kubernetes.Interface, logger *zap.Logger, cfg ShardWatcherConfig) *ShardWatcher {
	if cfg.PortName == "" {
		cfg.PortName = "shard-rpc"
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	return &ShardWatcher{
		client:         client,
		logger:         logger,
		namespace:      cfg.Namespace,
		labelSelector:  cfg.LabelSelector,
		portName:       cfg.PortName,
		discovered:     make(map[string]DiscoveredShard),
		resyncInterval: cfg.ResyncInterval,
		stopCh:         make(chan struct{}),
	}
}

// OnChange registers a callback fired after every discovery update.
func (w *ShardWatcher) OnChange(cb ShardWatchCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching pod events and periodic resyncs. It returns once
// ctx is canceled or Stop is called.
func (w *ShardWatcher) Start(ctx context.Context) {
	w.logger.Info("starting shard pod watcher", zap.String("namespace", w.namespace), zap.String("selector", w.labelSelector))
	w.resync(ctx)

	go w.watchPods(ctx)

	ticker := time.NewTicker(w.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.resync(ctx)
		}
	}
}

// Stop ends the watch loop.
func (w *ShardWatcher) Stop() {
	close(w.stopCh)
}

// GetDiscoveredShards returns the watcher's current view.
func (w *ShardWatcher) GetDiscoveredShards() []DiscoveredShard {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]DiscoveredShard, 0, len(w.discovered))
	for _, s := range w.discovered {
		out = append(out, s)
	}
	return out
}

func (w *ShardWatcher) watchPods(ctx context.Context) {
	watcher, err := w.client.CoreV1().Pods(w.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: w.labelSelector})
	if err != nil {
		w.logger.Error("discovery: failed to watch shard pods", zap.Error(err))
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				w.logger.Warn("discovery: shard pod watch closed, restarting")
				go w.watchPods(ctx)
				return
			}
			w.handleEvent(event)
		}
	}
}

func (w *ShardWatcher) handleEvent(event watch.Event) {
	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return
	}
	disc := &KubernetesShardDiscovery{client: w.client, logger: w.logger, namespace: w.namespace, labelSelector: w.labelSelector, portName: w.portName}

	w.mu.Lock()
	switch event.Type {
	case watch.Added, watch.Modified:
		if shard, ok := disc.discoveredFromPod(pod); ok {
			w.discovered[pod.Name] = shard
		}
	case watch.Deleted:
		delete(w.discovered, pod.Name)
	}
	w.mu.Unlock()

	w.notify()
}

func (w *ShardWatcher) resync(ctx context.Context) {
	disc := &KubernetesShardDiscovery{client: w.client, logger: w.logger, namespace: w.namespace, labelSelector: w.labelSelector, portName: w.portName}
	shards, err := disc.DiscoverShards(ctx)
	if err != nil {
		w.logger.Warn("discovery: resync failed", zap.Error(err))
		return
	}

	fresh := make(map[string]DiscoveredShard, len(shards))
	for _, s := range shards {
		fresh[s.Name] = s
	}

	w.mu.Lock()
	w.discovered = fresh
	w.mu.Unlock()

	w.notify()
}

func (w *ShardWatcher) notify() {
	w.mu.RLock()
	shards := make([]DiscoveredShard, 0, len(w.discovered))
	for _, s := range w.discovered {
		shards = append(shards, s)
	}
	callbacks := append([]ShardWatchCallback(nil), w.callbacks...)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(shards)
	}
}
