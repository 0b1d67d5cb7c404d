package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// shardIDLabel names the pod label a shard StatefulSet stamps with its
// logical shard ID, distinct from the pod's Kubernetes name.
const shardIDLabel = "sharding-system/shard-id"

// KubernetesShardDiscovery lists shard pods in a namespace by label
// selector, reading each pod's IP and named RPC port.
type KubernetesShardDiscovery struct {
	client        kubernetes.Interface
	logger        *zap.Logger
	namespace     string
	labelSelector string
	portName      string
}

// NewClientset builds a Kubernetes clientset from the ambient in-cluster
// config, falling back to a local kubeconfig for development outside a
// cluster. Shared by both discovery and the watcher so a caller only dials
// once.
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("discovery: load kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: build kubernetes client: %w", err)
	}
	return clientset, nil
}

// NewKubernetesShardDiscovery builds a discovery service from the ambient
// cluster config, falling back to a local kubeconfig outside the cluster.
func NewKubernetesShardDiscovery(logger *zap.Logger, namespace, labelSelector, portName string) (*KubernetesShardDiscovery, error) {
	clientset, err := NewClientset()
	if err != nil {
		return nil, err
	}
	return NewKubernetesShardDiscoveryFromClient(clientset, logger, namespace, labelSelector, portName), nil
}

// NewKubernetesShardDiscoveryFromClient builds a discovery service from an
// existing clientset, for tests substituting k8s.io/client-go/kubernetes/fake.
func NewKubernetesShardDiscoveryFromClient(client kubernetes.Interface, logger *zap.Logger, namespace, labelSelector, portName string) *KubernetesShardDiscovery {
	if portName == "" {
		portName = "shard-rpc"
	}
	return &KubernetesShardDiscovery{
		client:        client,
		logger:        logger,
		namespace:     namespace,
		labelSelector: labelSelector,
		portName:      portName,
	}
}

// DiscoverShards lists every running pod matching the configured selector.
func (k *KubernetesShardDiscovery) DiscoverShards(ctx context.Context) ([]DiscoveredShard, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: list shard pods: %w", err)
	}

	shards := make([]DiscoveredShard, 0, len(pods.Items))
	for _, pod := range pods.Items {
		shard, ok := k.discoveredFromPod(&pod)
		if !ok {
			continue
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

func (k *KubernetesShardDiscovery) discoveredFromPod(pod *corev1.Pod) (DiscoveredShard, bool) {
	shardID := pod.Labels[shardIDLabel]
	if shardID == "" {
		shardID = pod.Name
	}
	port := k.namedPort(pod)
	if port == 0 {
		k.logger.Warn("discovery: shard pod has no matching port, skipping", zap.String("pod", pod.Name), zap.String("port_name", k.portName))
		return DiscoveredShard{}, false
	}

	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}

	return DiscoveredShard{
		Namespace: pod.Namespace,
		Name:      pod.Name,
		ShardID:   shardID,
		PodIP:     pod.Status.PodIP,
		Port:      port,
		Labels:    pod.Labels,
		Ready:     ready,
	}, true
}

func (k *KubernetesShardDiscovery) namedPort(pod *corev1.Pod) int32 {
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == k.portName {
				return p.ContainerPort
			}
		}
	}
	return 0
}
