package kube

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/logging"
)

// DefaultNamespace is used when Config.Namespace is empty.
const DefaultNamespace = "default"

// Config maps targets onto Deployments.
type Config struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	// Deployments maps target id to Deployment name. Targets not listed use
	// their id as the Deployment name.
	Deployments map[string]string `mapstructure:"deployments" yaml:"deployments"`
}

// Provisioner implements scaling.CapacityProvisioner and
// scaling.InstanceCounter against Deployment replica counts.
type Provisioner struct {
	client client.Client
	cfg    Config
	log    logr.Logger
}

// New creates a Provisioner over an existing client.
func New(c client.Client, cfg Config, logger *logging.Logger) *Provisioner {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	return &Provisioner{
		client: c,
		cfg:    cfg,
		log:    logging.OrNop(logger).WithComponent("kube").Logr(),
	}
}

// NewFromEnvironment builds a client from the in-cluster config or the
// kubeconfig named by $KUBECONFIG / ~/.kube/config.
func NewFromEnvironment(cfg Config, logger *logging.Logger) (*Provisioner, error) {
	restCfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: clientgoscheme.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(c, cfg, logger), nil
}

// ScaleUp adds delta replicas to the target's Deployment.
func (p *Provisioner) ScaleUp(ctx context.Context, targetID string, delta int) error {
	return p.adjust(ctx, targetID, delta)
}

// ScaleDown removes delta replicas from the target's Deployment.
func (p *Provisioner) ScaleDown(ctx context.Context, targetID string, delta int) error {
	return p.adjust(ctx, targetID, -delta)
}

// Instances returns the desired replica count of the target's Deployment.
func (p *Provisioner) Instances(ctx context.Context, targetID string) (int, error) {
	dep, err := p.get(ctx, targetID)
	if err != nil {
		return 0, err
	}
	return int(ptr.Deref(dep.Spec.Replicas, 1)), nil
}

func (p *Provisioner) adjust(ctx context.Context, targetID string, delta int) error {
	if delta == 0 {
		return nil
	}
	var from, to int32
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := p.get(ctx, targetID)
		if err != nil {
			return err
		}
		from = ptr.Deref(dep.Spec.Replicas, 1)
		to = from + int32(delta)
		if to < 0 {
			return errors.NewValidationError("replica count would go negative").
				WithField("replicas").WithValue(to)
		}
		dep.Spec.Replicas = ptr.To(to)
		return p.client.Update(ctx, dep)
	})
	if err != nil {
		return errors.Wrapf(err, "scale deployment %s/%s", p.cfg.Namespace, p.deploymentName(targetID))
	}
	p.log.Info("deployment scaled",
		"target_id", targetID,
		"deployment", p.deploymentName(targetID),
		"namespace", p.cfg.Namespace,
		"from", from,
		"to", to,
	)
	return nil
}

func (p *Provisioner) get(ctx context.Context, targetID string) (*appsv1.Deployment, error) {
	name := p.deploymentName(targetID)
	dep := &appsv1.Deployment{}
	if err := p.client.Get(ctx, client.ObjectKey{Namespace: p.cfg.Namespace, Name: name}, dep); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("deployment", p.cfg.Namespace+"/"+name).WithCause(err)
		}
		return nil, err
	}
	return dep, nil
}

func (p *Provisioner) deploymentName(targetID string) string {
	if name, ok := p.cfg.Deployments[targetID]; ok && name != "" {
		return name
	}
	return targetID
}
