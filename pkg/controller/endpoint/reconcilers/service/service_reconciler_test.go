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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/launchpad-ml/launchpad/pkg/constants"
)

func testMeta() metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      "launchpad-sentiment",
		Namespace: "serving",
		Labels:    constants.DefaultEndpointLabels("sentiment", "sentiment-bundle"),
	}
}

func TestReconcileCreatesService(t *testing.T) {
	client := fake.NewClientBuilder().Build()
	r := NewServiceReconciler(client, testMeta())

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	live := &corev1.Service{}
	require.NoError(t, client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, live))

	require.Len(t, live.Spec.Ports, 1)
	assert.Equal(t, constants.CommonDefaultHttpPort, live.Spec.Ports[0].Port)
	assert.Equal(t, constants.ServingPort, live.Spec.Ports[0].TargetPort.IntVal)
	assert.Equal(t, constants.GetEndpointAppLabel("launchpad-sentiment"),
		live.Spec.Selector[constants.EndpointAppLabelKey])
}

func TestReconcilePreservesClusterIPOnUpdate(t *testing.T) {
	client := fake.NewClientBuilder().Build()
	first := NewServiceReconciler(client, testMeta())
	_, err := first.Reconcile(context.Background())
	require.NoError(t, err)

	live := &corev1.Service{}
	require.NoError(t, client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, live))
	live.Spec.ClusterIP = "10.0.0.42"
	live.Spec.Selector = map[string]string{"app": "stale"}
	require.NoError(t, client.Update(context.Background(), live))

	second := NewServiceReconciler(client, testMeta())
	updated, err := second.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", updated.Spec.ClusterIP)
	assert.Equal(t, constants.GetEndpointAppLabel("launchpad-sentiment"),
		updated.Spec.Selector[constants.EndpointAppLabelKey])
}

func TestReconcileLeavesMatchingServiceAlone(t *testing.T) {
	client := fake.NewClientBuilder().Build()
	first := NewServiceReconciler(client, testMeta())
	_, err := first.Reconcile(context.Background())
	require.NoError(t, err)

	second := NewServiceReconciler(client, testMeta())
	check, _, err := second.checkServiceExist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.CheckResultExisted, check)
}

func TestAddress(t *testing.T) {
	svc := createService(testMeta())
	assert.Equal(t, "http://launchpad-sentiment.serving.svc.cluster.local:80", Address(svc))
}
