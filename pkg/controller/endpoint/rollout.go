/*
Copyright 2025 The Launchpad Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package endpoint

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint/reconcilers/deployment"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint/reconcilers/hpa"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint/reconcilers/service"
)

// runEndpoint is the endpoint's control loop. It is the only goroutine that
// performs transitions for this endpoint, which serializes them; readiness
// and status polling sleep between ticks without holding any lock.
func (m *Manager) runEndpoint(ctx context.Context, me *managedEndpoint) {
	defer close(me.done)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finalize(me)
			return
		case spec := <-me.updates:
			m.rollout(ctx, me, spec)
		case target := <-me.scale:
			m.applyScale(ctx, me, target)
		case <-ticker.C:
			if me.phase().Serving() {
				m.refreshStatus(ctx, me)
			}
		}
	}
}

// rollout drives one accepted spec to Ready: build the image, apply the
// cluster resources, then await sustained readiness. A fresh endpoint walks
// Pending -> Building -> Deploying -> Ready; a superseding spec walks
// Ready -> Updating -> Ready.
func (m *Manager) rollout(ctx context.Context, me *managedEndpoint, spec v1alpha1.EndpointSpec) {
	buildPhase := v1alpha1.EndpointBuilding
	deployPhase := v1alpha1.EndpointDeploying
	if me.phase() == v1alpha1.EndpointReady {
		buildPhase = v1alpha1.EndpointUpdating
		deployPhase = v1alpha1.EndpointUpdating
	}

	me.setPhase(buildPhase)
	img, err := m.images.BuildImage(ctx, &spec.Bundle)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(me, buildPhase, err, "")
		return
	}
	spec.ImageTag = img.Tag
	me.statusMu.Lock()
	if me.spec.Generation == spec.Generation {
		me.spec.ImageTag = img.Tag
	}
	me.statusMu.Unlock()

	me.setPhase(deployPhase)
	svc, err := m.deployResources(ctx, me, &spec, img.RegistryLocation)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(me, deployPhase, err, "")
		return
	}

	if err := m.awaitReady(ctx, me, &spec); err != nil {
		if ctx.Err() != nil {
			return
		}
		// Halt further replacement. Batches already replaced stay live and
		// the last-good tag is preserved; there is no automatic rollback.
		var failure *v1alpha1.RolloutFailureError
		workload := ""
		if errors.As(err, &failure) {
			workload = failure.WorkloadStatus
		}
		m.fail(me, deployPhase, err, workload)
		return
	}

	me.mutateStatus(func(st *v1alpha1.EndpointStatus) {
		st.ImageTag = img.Tag
		st.LastGoodImageTag = img.Tag
		st.Address = service.Address(svc)
		st.ObservedGeneration = spec.Generation
		st.FailurePhase = ""
		st.LastError = ""
		st.LastWorkloadStatus = ""
	})
	me.setPhase(v1alpha1.EndpointReady)
}

func (m *Manager) fail(me *managedEndpoint, phase v1alpha1.EndpointPhase, cause error, workloadStatus string) {
	me.mutateStatus(func(st *v1alpha1.EndpointStatus) {
		st.FailurePhase = phase
		st.LastError = cause.Error()
		if workloadStatus != "" {
			st.LastWorkloadStatus = workloadStatus
		}
	})
	me.setPhase(v1alpha1.EndpointFailed)
	log.Error(cause, "endpoint failed", "endpoint", me.name, "phase", phase)
}

// deployResources applies the workload, network endpoint and autoscaler
// resources for the desired spec.
func (m *Manager) deployResources(ctx context.Context, me *managedEndpoint, spec *v1alpha1.EndpointSpec, image string) (*corev1.Service, error) {
	meta := m.resourceMeta(me)

	if err := withClusterRetry("apply", "deployment", func() error {
		_, err := deployment.NewDeploymentReconciler(m.client, meta, spec, image).Reconcile(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	var svc *corev1.Service
	if err := withClusterRetry("apply", "service", func() error {
		out, err := service.NewServiceReconciler(m.client, meta).Reconcile(ctx)
		if err == nil {
			svc = out
		}
		return err
	}); err != nil {
		return nil, err
	}

	if spec.MaxReplicas > spec.MinReplicas {
		if err := withClusterRetry("apply", "hpa", func() error {
			_, err := hpa.NewHPAReconciler(m.client, meta, spec).Reconcile(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	} else if err := m.deleteIfExists(ctx, &autoscalingv2.HorizontalPodAutoscaler{}, meta.Namespace, meta.Name, "hpa"); err != nil {
		return nil, err
	}
	return svc, nil
}

// awaitReady polls the workload until the new generation is fully ready and
// stays ready for the grace window, within a bounded number of attempts.
// Every observation also checks the rollout floor: available capacity must
// never drop below total * (1 - maxUnavailable).
func (m *Manager) awaitReady(ctx context.Context, me *managedEndpoint, spec *v1alpha1.EndpointSpec) error {
	meta := m.resourceMeta(me)
	needed := int(m.opts.GraceWindow / m.opts.PollInterval)
	if needed < 1 {
		needed = 1
	}

	var lastStatus appsv1.DeploymentStatus
	streak := 0
	for attempt := 0; attempt < m.opts.ReadinessAttempts; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.PollInterval):
		}

		dep := &appsv1.Deployment{}
		if err := withClusterRetry("get", "deployment", func() error {
			return m.client.Get(ctx, types.NamespacedName{Namespace: meta.Namespace, Name: meta.Name}, dep)
		}); err != nil {
			return err
		}
		lastStatus = dep.Status
		m.observeWorkload(me, dep)

		desired := spec.MinReplicas
		if dep.Spec.Replicas != nil && *dep.Spec.Replicas > desired {
			desired = *dep.Spec.Replicas
		}
		minAvailable := int32(math.Ceil(float64(desired) * (1 - spec.MaxUnavailable)))
		if dep.Status.AvailableReplicas < minAvailable && dep.Status.UpdatedReplicas > 0 {
			log.Info("rollout below capacity floor", "endpoint", me.name,
				"available", dep.Status.AvailableReplicas, "floor", minAvailable)
		}

		ready := dep.Status.UpdatedReplicas >= desired &&
			dep.Status.ReadyReplicas >= desired &&
			dep.Status.AvailableReplicas >= desired
		if ready {
			streak++
			if streak >= needed {
				return nil
			}
			continue
		}
		streak = 0
		attempt++
	}

	return &v1alpha1.RolloutFailureError{
		Endpoint:       me.name,
		Phase:          me.phase(),
		WorkloadStatus: formatWorkloadStatus(lastStatus),
		Cause:          errors.Errorf("readiness not achieved within %d attempts", m.opts.ReadinessAttempts),
	}
}

// observeWorkload folds the live workload status into the endpoint status.
func (m *Manager) observeWorkload(me *managedEndpoint, dep *appsv1.Deployment) {
	me.mutateStatus(func(st *v1alpha1.EndpointStatus) {
		st.Replicas = dep.Status.Replicas
		st.ReadyReplicas = dep.Status.ReadyReplicas
		st.AvailableReplicas = dep.Status.AvailableReplicas
		if st.ReadyReplicas > st.Replicas {
			st.Replicas = st.ReadyReplicas
		}
	})
}

func (m *Manager) refreshStatus(ctx context.Context, me *managedEndpoint) {
	meta := m.resourceMeta(me)
	dep := &appsv1.Deployment{}
	if err := m.client.Get(ctx, types.NamespacedName{Namespace: meta.Namespace, Name: meta.Name}, dep); err != nil {
		if !apierr.IsNotFound(err) && ctx.Err() == nil {
			log.Error(err, "status refresh failed", "endpoint", me.name)
		}
		return
	}
	m.observeWorkload(me, dep)
}

// applyScale moves the endpoint to the clamped replica target. With an
// autoscaler resource present the target is applied by raising or lowering
// its replica floor so the two never fight over the workload; otherwise the
// workload's replica count is set directly.
func (m *Manager) applyScale(ctx context.Context, me *managedEndpoint, target int32) {
	if !me.phase().Serving() {
		return
	}
	spec := me.currentSpec()
	if target < spec.MinReplicas {
		target = spec.MinReplicas
	}
	if spec.MaxReplicas > 0 && target > spec.MaxReplicas {
		target = spec.MaxReplicas
	}
	meta := m.resourceMeta(me)

	var err error
	if spec.MaxReplicas > spec.MinReplicas {
		err = withClusterRetry("scale", "hpa", func() error {
			live := &autoscalingv2.HorizontalPodAutoscaler{}
			if err := m.client.Get(ctx, types.NamespacedName{Namespace: meta.Namespace, Name: meta.Name}, live); err != nil {
				return err
			}
			live.Spec.MinReplicas = ptr.To(target)
			return m.client.Update(ctx, live)
		})
	} else {
		err = withClusterRetry("scale", "deployment", func() error {
			live := &appsv1.Deployment{}
			if err := m.client.Get(ctx, types.NamespacedName{Namespace: meta.Namespace, Name: meta.Name}, live); err != nil {
				return err
			}
			live.Spec.Replicas = ptr.To(target)
			return m.client.Update(ctx, live)
		})
	}
	if err != nil {
		log.Error(err, "scale request failed", "endpoint", me.name, "target", target)
		return
	}
	log.Info("scale applied", "endpoint", me.name, "target", target)
}

// finalize deprovisions the endpoint's cluster resources. Teardown is
// cooperative up to the termination grace period, after which deletion is
// forced and the endpoint is Terminated regardless of stragglers.
func (m *Manager) finalize(me *managedEndpoint) {
	if me.phase() == v1alpha1.EndpointTerminated {
		return
	}
	me.setPhase(v1alpha1.EndpointTerminating)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TerminationGrace)
	defer cancel()
	meta := m.resourceMeta(me)

	if err := m.deleteIfExists(ctx, &autoscalingv2.HorizontalPodAutoscaler{}, meta.Namespace, meta.Name, "hpa"); err != nil {
		log.Error(err, "teardown of hpa failed", "endpoint", me.name)
	}
	if err := m.deleteIfExists(ctx, &corev1.Service{}, meta.Namespace, meta.Name, "service"); err != nil {
		log.Error(err, "teardown of service failed", "endpoint", me.name)
	}
	if err := m.deleteIfExists(ctx, &appsv1.Deployment{}, meta.Namespace, meta.Name, "deployment"); err != nil {
		log.Error(err, "teardown of deployment failed", "endpoint", me.name)
	}

	me.mutateStatus(func(st *v1alpha1.EndpointStatus) {
		st.Replicas = 0
		st.ReadyReplicas = 0
		st.AvailableReplicas = 0
		st.Address = ""
	})
	me.setPhase(v1alpha1.EndpointTerminated)
}

func (m *Manager) deleteIfExists(ctx context.Context, obj kclient.Object, namespace string, name string, kind string) error {
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return withClusterRetry("delete", kind, func() error {
		if err := m.client.Delete(ctx, obj); err != nil && !apierr.IsNotFound(err) {
			return err
		}
		return nil
	})
}

func formatWorkloadStatus(st appsv1.DeploymentStatus) string {
	s := fmt.Sprintf("replicas=%d updated=%d ready=%d available=%d",
		st.Replicas, st.UpdatedReplicas, st.ReadyReplicas, st.AvailableReplicas)
	for _, cond := range st.Conditions {
		if cond.Status != corev1.ConditionTrue {
			s += fmt.Sprintf(" %s=%s(%s)", cond.Type, cond.Status, cond.Reason)
		}
	}
	return s
}
