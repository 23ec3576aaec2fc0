package main

import (
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/kube"
	"github.com/10yihang/shardmigrate/internal/config"
	"github.com/10yihang/shardmigrate/internal/logger"
)

// membershipSource returns the pod source when [kubernetes] is enabled and
// the static seed list otherwise. The pod source is nil for seeds.
func membershipSource(cfg *config.Config, log logger.Logger) (cluster.MembershipSource, *kube.PodSource, error) {
	if !cfg.Kubernetes.Enabled {
		return cluster.NewStaticSource(cfg.Members()), nil, nil
	}
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "kubernetes config")
	}
	kc, err := client.New(restCfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		return nil, nil, errors.Wrap(err, "kubernetes client")
	}
	pods := kube.NewPodSource(kc, cfg.KubeConfig(), log)
	return pods, pods, nil
}
