package apply

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/telekom/omnibus-reconciler/pkg/naming"
	"github.com/telekom/omnibus-reconciler/pkg/render"
)

const (
	managedByLabel       = "app.kubernetes.io/managed-by"
	managedByValue       = "omnibus-reconciler"
	serviceLabel         = "omnibus.telekom.de/service"
	digestAnnotationBase = "omnibus.telekom.de/digest."
	maxConflictRetries   = 3
)

// ConfigMapApplier keeps the artifacts of each service in one ConfigMap
// named <Prefix>-<service>. Each artifact is a data key derived from its
// path.
type ConfigMapApplier struct {
	client    client.Client
	namespace string
	prefix    string
	log       *zap.SugaredLogger
}

func NewConfigMapApplier(c client.Client, namespace, prefix string, log *zap.SugaredLogger) *ConfigMapApplier {
	if prefix == "" {
		prefix = "omnibus"
	}
	return &ConfigMapApplier{client: c, namespace: namespace, prefix: prefix, log: log.Named("configmap-applier")}
}

func (c *ConfigMapApplier) Name() string { return "configmap" }

// ConfigMapName returns the ConfigMap holding the artifacts of service.
func (c *ConfigMapApplier) ConfigMapName(service string) string {
	return naming.ConfigMapName(c.prefix, service)
}

func (c *ConfigMapApplier) Apply(ctx context.Context, a render.Artifact) error {
	err := c.mutate(ctx, a.Service, func(cm *corev1.ConfigMap) bool {
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		if cm.Annotations == nil {
			cm.Annotations = map[string]string{}
		}
		cm.Data[naming.DataKey(a.Path)] = string(a.Content)
		cm.Annotations[digestAnnotationBase+a.ID] = strings.TrimPrefix(a.Digest, "sha256:")
		return true
	})
	if err != nil {
		return &ApplyError{Artifact: a.ID, Service: a.Service, Err: err}
	}
	c.log.Debugw("Artifact applied", "artifact", a.ID, "configmap", c.ConfigMapName(a.Service), "namespace", c.namespace)
	return nil
}

func (c *ConfigMapApplier) Remove(ctx context.Context, e Entry) error {
	err := c.mutate(ctx, e.Service, func(cm *corev1.ConfigMap) bool {
		key := naming.DataKey(e.Path)
		if _, ok := cm.Data[key]; !ok {
			return false
		}
		delete(cm.Data, key)
		delete(cm.Annotations, digestAnnotationBase+e.ID)
		return true
	})
	if err != nil {
		return &ApplyError{Artifact: e.ID, Service: e.Service, Err: err}
	}
	return nil
}

// mutate applies fn to the service's ConfigMap, creating it if needed and
// deleting it once it holds no data. Update conflicts are retried.
func (c *ConfigMapApplier) mutate(ctx context.Context, service string, fn func(*corev1.ConfigMap) bool) error {
	key := client.ObjectKey{Namespace: c.namespace, Name: c.ConfigMapName(service)}
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		cm := &corev1.ConfigMap{}
		err = c.client.Get(ctx, key, cm)
		switch {
		case apierrors.IsNotFound(err):
			cm = &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
				Name:      key.Name,
				Namespace: key.Namespace,
				Labels:    map[string]string{managedByLabel: managedByValue, serviceLabel: naming.LabelValue(service)},
			}}
			if !fn(cm) {
				return nil
			}
			err = c.client.Create(ctx, cm)
		case err != nil:
			return fmt.Errorf("get configmap %s: %w", key, err)
		default:
			if !fn(cm) {
				return nil
			}
			if len(cm.Data) == 0 {
				err = client.IgnoreNotFound(c.client.Delete(ctx, cm))
			} else {
				err = c.client.Update(ctx, cm)
			}
		}
		if err == nil || !(apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err)) {
			break
		}
		c.log.Debugw("ConfigMap write conflict, retrying", "configmap", key.String(), "attempt", attempt+1)
	}
	if err != nil {
		return fmt.Errorf("write configmap %s: %w", key, err)
	}
	return nil
}
