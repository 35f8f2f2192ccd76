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

package hpa

import (
	"context"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
)

var log = logf.Log.WithName("HPAReconciler")

const defaultCPUUtilization = int32(80)

// HPAReconciler reconciles an endpoint's autoscaler resource. The HPA
// enforces the replica bounds at cluster level; the autoscaling coordinator
// steers within them through the endpoint manager.
type HPAReconciler struct {
	client kclient.Client
	HPA    *autoscalingv2.HorizontalPodAutoscaler
}

func NewHPAReconciler(client kclient.Client,
	componentMeta metav1.ObjectMeta,
	spec *v1alpha1.EndpointSpec,
) *HPAReconciler {
	return &HPAReconciler{
		client: client,
		HPA:    createHPA(componentMeta, spec),
	}
}

func createHPA(componentMeta metav1.ObjectMeta, spec *v1alpha1.EndpointSpec) *autoscalingv2.HorizontalPodAutoscaler {
	minReplicas := spec.MinReplicas
	if minReplicas < constants.DefaultMinReplicas {
		minReplicas = constants.DefaultMinReplicas
	}
	maxReplicas := spec.MaxReplicas
	if maxReplicas < minReplicas {
		maxReplicas = minReplicas
	}
	utilization := defaultCPUUtilization

	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: componentMeta,
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       componentMeta.Name,
			},
			MinReplicas: ptr.To(minReplicas),
			MaxReplicas: maxReplicas,
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: ptr.To(utilization),
						},
					},
				},
			},
			Behavior: &autoscalingv2.HorizontalPodAutoscalerBehavior{},
		},
	}
}

func (r *HPAReconciler) checkHPAExist(ctx context.Context) (constants.CheckResultType, *autoscalingv2.HorizontalPodAutoscaler, error) {
	existing := &autoscalingv2.HorizontalPodAutoscaler{}
	err := r.client.Get(ctx, types.NamespacedName{
		Namespace: r.HPA.Namespace,
		Name:      r.HPA.Name,
	}, existing)
	if err != nil {
		if apierr.IsNotFound(err) {
			return constants.CheckResultCreate, nil, nil
		}
		return constants.CheckResultUnknown, nil, err
	}
	if semanticHPAEquals(r.HPA, existing) {
		return constants.CheckResultExisted, existing, nil
	}
	return constants.CheckResultUpdate, existing, nil
}

// semanticHPAEquals ignores MinReplicas: the coordinator steers it at
// runtime and the reconciler must not undo that.
func semanticHPAEquals(desired, existing *autoscalingv2.HorizontalPodAutoscaler) bool {
	return equality.Semantic.DeepEqual(desired.Spec.ScaleTargetRef, existing.Spec.ScaleTargetRef) &&
		equality.Semantic.DeepEqual(desired.Spec.Metrics, existing.Spec.Metrics) &&
		desired.Spec.MaxReplicas == existing.Spec.MaxReplicas
}

// Reconcile ...
func (r *HPAReconciler) Reconcile(ctx context.Context) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	checkResult, existing, err := r.checkHPAExist(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("hpa reconcile", "name", r.HPA.Name, "checkResult", checkResult.String())

	switch checkResult {
	case constants.CheckResultCreate:
		if err := r.client.Create(ctx, r.HPA); err != nil {
			return nil, err
		}
		return r.HPA, nil
	case constants.CheckResultUpdate:
		desired := r.HPA.DeepCopy()
		desired.ResourceVersion = existing.ResourceVersion
		desired.Spec.MinReplicas = existing.Spec.MinReplicas
		if err := r.client.Update(ctx, desired); err != nil {
			return nil, err
		}
		return desired, nil
	default:
		return existing, nil
	}
}
