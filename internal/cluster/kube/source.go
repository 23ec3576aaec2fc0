// Package kube reads cluster membership from the pods of a Kubernetes
// workload.
package kube

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/logger"
)

// CapacityAnnotation sets a pod's placement weight.
const CapacityAnnotation = "shardmigrate.io/capacity"

type Config struct {
	Namespace   string
	Selector    map[string]string
	ClusterPort int
	ClientPort  int
	// ListTimeout bounds one pod list call. Defaults to 10s.
	ListTimeout time.Duration
}

// PodSource is a cluster.MembershipSource backed by a pod list. Each pod
// is one member named after the pod; readiness maps to health. The
// snapshot version only moves when the member set changes, so repeated
// polls of a stable workload do not trigger a rebalance.
type PodSource struct {
	client client.Client
	cfg    Config
	logger logger.Logger

	mu      sync.Mutex
	last    *cluster.Membership
	version uint64
}

var _ cluster.MembershipSource = (*PodSource)(nil)

func NewPodSource(c client.Client, cfg Config, log logger.Logger) *PodSource {
	if log == nil {
		log = logger.NopLogger
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	return &PodSource{client: c, cfg: cfg, logger: log.WithPrefix("kube: ")}
}

func (s *PodSource) Snapshot() (*cluster.Membership, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ListTimeout)
	defer cancel()
	return s.SnapshotContext(ctx)
}

// SnapshotContext lists the pods and returns the resulting membership.
func (s *PodSource) SnapshotContext(ctx context.Context) (*cluster.Membership, error) {
	pods := &corev1.PodList{}
	if err := s.client.List(ctx, pods,
		client.InNamespace(s.cfg.Namespace),
		client.MatchingLabels(s.cfg.Selector)); err != nil {
		return nil, errors.Wrap(err, "list pods")
	}

	members := make([]cluster.Member, 0, len(pods.Items))
	for i := range pods.Items {
		if m, ok := s.member(&pods.Items[i]); ok {
			members = append(members, m)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && sameMembers(s.last.Members(), members) {
		return s.last, nil
	}
	s.version++
	s.last = cluster.NewMembership(s.version, members)
	s.logger.Infof("membership v%d from %d pods", s.version, len(members))
	return s.last, nil
}

// Watch polls the pods every interval and installs changed snapshots into c
// until ctx is done.
func (s *PodSource) Watch(ctx context.Context, c *cluster.Cluster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lctx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
			m, err := s.SnapshotContext(lctx)
			cancel()
			if err != nil {
				s.logger.Warnf("poll: %v", err)
				continue
			}
			c.UpdateMembership(m)
		}
	}
}

// member skips pods that have no IP yet.
func (s *PodSource) member(pod *corev1.Pod) (cluster.Member, bool) {
	if pod.Status.PodIP == "" {
		return cluster.Member{}, false
	}
	health := cluster.HealthDown
	if pod.DeletionTimestamp == nil && isPodReady(pod) {
		health = cluster.HealthUp
	}
	capacity := 1
	if v, ok := pod.Annotations[CapacityAnnotation]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.logger.Warnf("pod %s: bad %s %q", pod.Name, CapacityAnnotation, v)
		} else {
			capacity = n
		}
	}
	return cluster.Member{
		ID:       pod.Name,
		Addr:     fmt.Sprintf("%s:%d", pod.Status.PodIP, s.cfg.ClusterPort),
		Capacity: capacity,
		Health:   health,
		Labels: map[string]string{
			cluster.LabelClientAddr: fmt.Sprintf("%s:%d", pod.Status.PodIP, s.cfg.ClientPort),
		},
	}, true
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// sameMembers compares a sorted snapshot against an unsorted pod-derived list.
func sameMembers(a, b []cluster.Member) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := make([]cluster.Member, len(b))
	copy(sorted, b)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := range a {
		x, y := a[i], sorted[i]
		if x.ID != y.ID || x.Addr != y.Addr || x.Capacity != y.Capacity || x.Health != y.Health ||
			x.Labels[cluster.LabelClientAddr] != y.Labels[cluster.LabelClientAddr] {
			return false
		}
	}
	return true
}
