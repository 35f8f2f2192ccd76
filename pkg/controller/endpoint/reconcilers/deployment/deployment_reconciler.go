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

package deployment

import (
	"context"
	"fmt"
	"math"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
)

var log = logf.Log.WithName("DeploymentReconciler")

// DeploymentReconciler reconciles an endpoint's workload resource.
type DeploymentReconciler struct {
	client     kclient.Client
	Deployment *appsv1.Deployment
	spec       *v1alpha1.EndpointSpec
}

func NewDeploymentReconciler(client kclient.Client,
	componentMeta metav1.ObjectMeta,
	spec *v1alpha1.EndpointSpec,
	image string,
) *DeploymentReconciler {
	return &DeploymentReconciler{
		client:     client,
		Deployment: createDeployment(componentMeta, spec, image),
		spec:       spec,
	}
}

// BatchSize is the number of pods one rollout batch may replace: at least
// one, at most floor(total * maxUnavailable).
func BatchSize(total int32, maxUnavailable float64) int32 {
	if maxUnavailable <= 0 {
		return 1
	}
	size := int32(math.Floor(float64(total) * maxUnavailable))
	if size < 1 {
		return 1
	}
	return size
}

// rolloutStrategy encodes the endpoint's rollout floor. A zero floor means
// no capacity may be lost: replacement pods surge in before old ones stop.
func rolloutStrategy(maxUnavailable float64) appsv1.DeploymentStrategy {
	unavailable := "0%"
	if maxUnavailable > 0 {
		unavailable = fmt.Sprintf("%d%%", int(math.Floor(maxUnavailable*100)))
	}
	return appsv1.DeploymentStrategy{
		Type: appsv1.RollingUpdateDeploymentStrategyType,
		RollingUpdate: &appsv1.RollingUpdateDeployment{
			MaxUnavailable: &intstr.IntOrString{Type: intstr.String, StrVal: unavailable},
			MaxSurge:       &intstr.IntOrString{Type: intstr.String, StrVal: "25%"},
		},
	}
}

func createDeployment(componentMeta metav1.ObjectMeta, spec *v1alpha1.EndpointSpec, image string) *appsv1.Deployment {
	appLabel := constants.GetEndpointAppLabel(componentMeta.Name)
	podMetadata := *componentMeta.DeepCopy()
	if podMetadata.Labels == nil {
		podMetadata.Labels = map[string]string{}
	}
	podMetadata.Labels[constants.EndpointAppLabelKey] = appLabel

	readinessPath := spec.ReadinessPath
	if readinessPath == "" {
		readinessPath = constants.DefaultReadinessPath
	}
	readinessPort := spec.ReadinessPort
	if readinessPort == 0 {
		readinessPort = constants.ServingPort
	}
	grace := spec.TerminationGracePeriodSeconds
	if grace == nil {
		grace = ptr.To(constants.DefaultTerminationGrace)
	}

	podSpec := corev1.PodSpec{
		TerminationGracePeriodSeconds: grace,
		Containers: []corev1.Container{
			{
				Name:      constants.ServingContainerName,
				Image:     image,
				Resources: spec.Resources,
				Ports: []corev1.ContainerPort{
					{Name: "http", ContainerPort: constants.ServingPort, Protocol: corev1.ProtocolTCP},
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: readinessPath,
							Port: intstr.IntOrString{IntVal: readinessPort},
						},
					},
					TimeoutSeconds:   1,
					PeriodSeconds:    10,
					SuccessThreshold: 1,
					FailureThreshold: 3,
				},
			},
		},
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: componentMeta,
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(spec.MinReplicas),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{constants.EndpointAppLabelKey: appLabel},
			},
			Strategy: rolloutStrategy(spec.MaxUnavailable),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: podMetadata,
				Spec:       podSpec,
			},
		},
	}
	return deployment
}

// checkDeploymentExist checks if the deployment exists and whether it
// matches the desired spec.
func (r *DeploymentReconciler) checkDeploymentExist(ctx context.Context) (constants.CheckResultType, *appsv1.Deployment, error) {
	existing := &appsv1.Deployment{}
	err := r.client.Get(ctx, types.NamespacedName{
		Namespace: r.Deployment.Namespace,
		Name:      r.Deployment.Name,
	}, existing)
	if err != nil {
		if apierr.IsNotFound(err) {
			return constants.CheckResultCreate, nil, nil
		}
		return constants.CheckResultUnknown, nil, err
	}

	// When the autoscaler owns the replica count, the desired deployment
	// must not fight it over Replicas.
	var ignoreFields cmp.Option = cmpopts.EquateEmpty()
	if r.spec.MaxReplicas > r.spec.MinReplicas {
		ignoreFields = cmpopts.IgnoreFields(appsv1.DeploymentSpec{}, "Replicas")
	}
	if diff := cmp.Diff(r.Deployment.Spec, existing.Spec, ignoreFields,
		cmpopts.IgnoreFields(appsv1.DeploymentSpec{}, "RevisionHistoryLimit", "ProgressDeadlineSeconds"),
		cmpopts.IgnoreFields(corev1.PodSpec{}, "DNSPolicy", "RestartPolicy", "SchedulerName", "SecurityContext"),
		cmpopts.IgnoreFields(corev1.Container{}, "TerminationMessagePath", "TerminationMessagePolicy", "ImagePullPolicy"),
		cmp.Comparer(func(x, y resource.Quantity) bool { return x.Cmp(y) == 0 }),
	); diff != "" {
		log.Info("deployment updated", "name", r.Deployment.Name, "diff", diff)
		return constants.CheckResultUpdate, existing, nil
	}
	return constants.CheckResultExisted, existing, nil
}

// Reconcile brings the live deployment to the desired state.
func (r *DeploymentReconciler) Reconcile(ctx context.Context) (*appsv1.Deployment, error) {
	checkResult, existing, err := r.checkDeploymentExist(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("deployment reconcile", "name", r.Deployment.Name, "checkResult", checkResult.String())

	switch checkResult {
	case constants.CheckResultCreate:
		if err := r.client.Create(ctx, r.Deployment); err != nil {
			return nil, err
		}
		return r.Deployment, nil
	case constants.CheckResultUpdate:
		desired := r.Deployment.DeepCopy()
		desired.ResourceVersion = existing.ResourceVersion
		if r.spec.MaxReplicas > r.spec.MinReplicas {
			// Preserve the live replica count the autoscaler chose.
			desired.Spec.Replicas = existing.Spec.Replicas
		}
		if err := r.client.Update(ctx, desired); err != nil {
			return nil, err
		}
		return desired, nil
	default:
		return existing, nil
	}
}
