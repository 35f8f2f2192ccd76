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

package service

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/constants"
)

var log = logf.Log.WithName("ServiceReconciler")

// ServiceReconciler reconciles an endpoint's network endpoint resource.
type ServiceReconciler struct {
	client  kclient.Client
	Service *corev1.Service
}

func NewServiceReconciler(client kclient.Client, componentMeta metav1.ObjectMeta) *ServiceReconciler {
	return &ServiceReconciler{
		client:  client,
		Service: createService(componentMeta),
	}
}

func createService(componentMeta metav1.ObjectMeta) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: componentMeta,
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				constants.EndpointAppLabelKey: constants.GetEndpointAppLabel(componentMeta.Name),
			},
			Ports: []corev1.ServicePort{
				{
					Name: "http",
					Port: constants.CommonDefaultHttpPort,
					TargetPort: intstr.IntOrString{
						Type:   intstr.Int,
						IntVal: constants.ServingPort,
					},
					Protocol: corev1.ProtocolTCP,
				},
			},
		},
	}
}

// Address is the cluster-internal address the gateway routes to.
func Address(svc *corev1.Service) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", svc.Name, svc.Namespace, constants.CommonDefaultHttpPort)
}

func (r *ServiceReconciler) checkServiceExist(ctx context.Context) (constants.CheckResultType, *corev1.Service, error) {
	existing := &corev1.Service{}
	err := r.client.Get(ctx, types.NamespacedName{
		Namespace: r.Service.Namespace,
		Name:      r.Service.Name,
	}, existing)
	if err != nil {
		if apierr.IsNotFound(err) {
			return constants.CheckResultCreate, nil, nil
		}
		return constants.CheckResultUnknown, nil, err
	}
	if semanticServiceEquals(r.Service, existing) {
		return constants.CheckResultExisted, existing, nil
	}
	return constants.CheckResultUpdate, existing, nil
}

func semanticServiceEquals(desired, existing *corev1.Service) bool {
	return equality.Semantic.DeepEqual(desired.Spec.Ports, existing.Spec.Ports) &&
		equality.Semantic.DeepEqual(desired.Spec.Selector, existing.Spec.Selector)
}

// Reconcile ...
func (r *ServiceReconciler) Reconcile(ctx context.Context) (*corev1.Service, error) {
	checkResult, existing, err := r.checkServiceExist(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("service reconcile", "name", r.Service.Name, "checkResult", checkResult.String())

	switch checkResult {
	case constants.CheckResultCreate:
		if err := r.client.Create(ctx, r.Service); err != nil {
			return nil, err
		}
		return r.Service, nil
	case constants.CheckResultUpdate:
		desired := r.Service.DeepCopy()
		desired.ResourceVersion = existing.ResourceVersion
		desired.Spec.ClusterIP = existing.Spec.ClusterIP
		if err := r.client.Update(ctx, desired); err != nil {
			return nil, err
		}
		return desired, nil
	default:
		return existing, nil
	}
}
