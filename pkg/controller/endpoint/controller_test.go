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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/bundle"
)

// fakeImageBuilder returns a deterministic image per code digest, or the
// configured failure.
type fakeImageBuilder struct {
	mu    sync.Mutex
	fail  error
	calls int
}

func (f *fakeImageBuilder) BuildImage(_ context.Context, b *v1alpha1.Bundle) (v1alpha1.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return v1alpha1.Image{Status: v1alpha1.BuildFailed}, f.fail
	}
	tag := "bundle-" + b.CodeDigest
	return v1alpha1.Image{
		Tag:              tag,
		Status:           v1alpha1.BuildSucceeded,
		RegistryLocation: "registry.local:5000/launchpad/endpoints:" + tag,
	}, nil
}

func (f *fakeImageBuilder) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeImageBuilder) buildCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// simulateWorkload plays the part of the cluster: whenever a deployment
// exists, its status converges to its desired replica count.
func simulateWorkload(ctx context.Context, t *testing.T, client kclient.Client, name string) {
	t.Helper()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
			dep := &appsv1.Deployment{}
			if err := client.Get(ctx, types.NamespacedName{Namespace: "serving", Name: name}, dep); err != nil {
				continue
			}
			desired := int32(1)
			if dep.Spec.Replicas != nil {
				desired = *dep.Spec.Replicas
			}
			if dep.Status.ReadyReplicas == desired && dep.Status.UpdatedReplicas == desired {
				continue
			}
			dep.Status = appsv1.DeploymentStatus{
				Replicas:          desired,
				UpdatedReplicas:   desired,
				ReadyReplicas:     desired,
				AvailableReplicas: desired,
			}
			// Conflicts with the reconciler just mean another round.
			_ = client.Status().Update(ctx, dep)
		}
	}()
}

func newTestManager(t *testing.T, images ImageBuilder) (*Manager, kclient.Client, context.Context) {
	t.Helper()
	client := fake.NewClientBuilder().Build()
	m := NewManager(client, bundle.NewValidator(), images, Options{
		Namespace:         "serving",
		PollInterval:      2 * time.Millisecond,
		GraceWindow:       4 * time.Millisecond,
		ReadinessAttempts: 100,
		TerminationGrace:  time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, client, ctx
}

func testEndpointSpec() v1alpha1.EndpointSpec {
	return v1alpha1.EndpointSpec{
		Bundle: v1alpha1.Bundle{
			Name:            "sentiment-bundle",
			Tenant:          "acme",
			CodeRef:         "s3://bundles/acme/sentiment/v1.tar.gz",
			CodeSize:        2048,
			CodeDigest:      "v1",
			LoadModelPath:   "models/sentiment.load_model",
			LoadPredictPath: "models/sentiment.load_predict",
		},
		MinReplicas:    2,
		MaxReplicas:    2,
		MaxUnavailable: 0.25,
	}
}

func phaseOf(m *Manager, name string) v1alpha1.EndpointPhase {
	ep, ok := m.Get(name)
	if !ok {
		return ""
	}
	return ep.Status.Phase
}

func awaitPhase(t *testing.T, m *Manager, name string, phase v1alpha1.EndpointPhase) {
	t.Helper()
	require.Eventually(t, func() bool { return phaseOf(m, name) == phase },
		2*time.Second, 2*time.Millisecond, "endpoint %q never reached %s", name, phase)
}

func TestApplyRejectsInvalidBundle(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeImageBuilder{})

	spec := testEndpointSpec()
	spec.Bundle.LoadModelPath = "/absolute/path.load_model"
	err := m.Apply(context.Background(), "sentiment", spec)

	var invalid *v1alpha1.InvalidBundleError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, bundle.RuleLoadModelPath, invalid.Rule)
	_, ok := m.Get("sentiment")
	assert.False(t, ok, "a rejected spec must not create an endpoint")
}

func TestApplyRejectsOutOfRangeMaxUnavailable(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeImageBuilder{})

	spec := testEndpointSpec()
	spec.MaxUnavailable = 1.0
	require.Error(t, m.Apply(context.Background(), "sentiment", spec))

	spec.MaxUnavailable = -0.1
	require.Error(t, m.Apply(context.Background(), "sentiment", spec))
}

func TestEndpointLifecycleReachesReady(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)

	ep, ok := m.Get("sentiment")
	require.True(t, ok)
	assert.Equal(t, "bundle-v1", ep.Status.ImageTag)
	assert.Equal(t, "bundle-v1", ep.Status.LastGoodImageTag)
	assert.Equal(t, "http://launchpad-sentiment.serving.svc.cluster.local:80", ep.Status.Address)
	assert.Equal(t, int64(1), ep.Status.ObservedGeneration)
	assert.Empty(t, ep.Status.LastError)

	dep := &appsv1.Deployment{}
	require.NoError(t, client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, dep))
	svc := &corev1.Service{}
	require.NoError(t, client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, svc))

	// MinReplicas == MaxReplicas pins the endpoint: no autoscaler resource.
	hpa := &autoscalingv2.HorizontalPodAutoscaler{}
	err := client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, hpa)
	assert.True(t, apierr.IsNotFound(err))
}

func TestRollingUpdateSupersedesSpec(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)

	v2 := testEndpointSpec()
	v2.Bundle.CodeDigest = "v2"
	v2.Bundle.CodeRef = "s3://bundles/acme/sentiment/v2.tar.gz"
	require.NoError(t, m.Apply(context.Background(), "sentiment", v2))

	require.Eventually(t, func() bool {
		ep, ok := m.Get("sentiment")
		return ok && ep.Status.ObservedGeneration == 2 && ep.Status.Phase == v1alpha1.EndpointReady
	}, 2*time.Second, 2*time.Millisecond)

	ep, _ := m.Get("sentiment")
	assert.Equal(t, "bundle-v2", ep.Status.ImageTag)
	assert.Equal(t, "bundle-v2", ep.Status.LastGoodImageTag)
	assert.Equal(t, 2, builder.buildCalls())

	dep := &appsv1.Deployment{}
	require.NoError(t, client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, dep))
	assert.Equal(t, "registry.local:5000/launchpad/endpoints:bundle-v2",
		dep.Spec.Template.Spec.Containers[0].Image)
}

func TestBuildFailureFailsEndpoint(t *testing.T) {
	builder := &fakeImageBuilder{}
	builder.setFailure(&v1alpha1.BuildFailureError{
		Tag:   "bundle-v1",
		Layer: v1alpha1.DependenciesLayer,
		Cause: errors.New("pip install exploded"),
	})
	m, _, _ := newTestManager(t, builder)

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointFailed)

	ep, _ := m.Get("sentiment")
	assert.Equal(t, v1alpha1.EndpointBuilding, ep.Status.FailurePhase)
	assert.Contains(t, ep.Status.LastError, string(v1alpha1.DependenciesLayer))
	assert.Empty(t, ep.Status.LastGoodImageTag)
}

func TestFailedUpdatePreservesLastGoodImage(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)

	builder.setFailure(&v1alpha1.BuildFailureError{
		Tag:   "bundle-v2",
		Layer: v1alpha1.BundleLayer,
		Cause: errors.New("code copy failed"),
	})
	v2 := testEndpointSpec()
	v2.Bundle.CodeDigest = "v2"
	require.NoError(t, m.Apply(context.Background(), "sentiment", v2))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointFailed)

	ep, _ := m.Get("sentiment")
	assert.Equal(t, v1alpha1.EndpointUpdating, ep.Status.FailurePhase)
	assert.Equal(t, "bundle-v1", ep.Status.LastGoodImageTag,
		"a failed update must keep the last good image on record")
}

func TestTerminateTearsDownResources(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)

	require.NoError(t, m.Terminate(context.Background(), "sentiment"))
	assert.Equal(t, v1alpha1.EndpointTerminated, phaseOf(m, "sentiment"))

	dep := &appsv1.Deployment{}
	err := client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, dep)
	assert.True(t, apierr.IsNotFound(err))
	svc := &corev1.Service{}
	err = client.Get(context.Background(),
		types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, svc)
	assert.True(t, apierr.IsNotFound(err))

	ep, _ := m.Get("sentiment")
	assert.Zero(t, ep.Status.Replicas)

	// Termination is idempotent, as is terminating the unknown.
	require.NoError(t, m.Terminate(context.Background(), "sentiment"))
	require.NoError(t, m.Terminate(context.Background(), "never-existed"))
}

func TestApplyAfterTerminateIsRejected(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)
	require.NoError(t, m.Terminate(context.Background(), "sentiment"))

	require.Error(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
}

func TestRequestScaleRequiresServingEndpoint(t *testing.T) {
	builder := &fakeImageBuilder{}
	builder.setFailure(errors.New("build never finishes well"))
	m, _, _ := newTestManager(t, builder)

	err := m.RequestScale(context.Background(), "unknown", 3)
	require.Error(t, err)

	require.NoError(t, m.Apply(context.Background(), "sentiment", testEndpointSpec()))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointFailed)

	err = m.RequestScale(context.Background(), "sentiment", 3)
	var unavailable *v1alpha1.EndpointUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, v1alpha1.EndpointFailed, unavailable.Phase)
}

func TestRequestScaleSteersAutoscalerFloor(t *testing.T) {
	builder := &fakeImageBuilder{}
	m, client, ctx := newTestManager(t, builder)
	simulateWorkload(ctx, t, client, "launchpad-sentiment")

	spec := testEndpointSpec()
	spec.MinReplicas = 1
	spec.MaxReplicas = 4
	require.NoError(t, m.Apply(context.Background(), "sentiment", spec))
	awaitPhase(t, m, "sentiment", v1alpha1.EndpointReady)

	require.NoError(t, m.RequestScale(context.Background(), "sentiment", 3))
	require.Eventually(t, func() bool {
		hpa := &autoscalingv2.HorizontalPodAutoscaler{}
		if err := client.Get(context.Background(),
			types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, hpa); err != nil {
			return false
		}
		return hpa.Spec.MinReplicas != nil && *hpa.Spec.MinReplicas == 3
	}, 2*time.Second, 2*time.Millisecond)

	// Targets above the cap clamp to it.
	require.NoError(t, m.RequestScale(context.Background(), "sentiment", 99))
	require.Eventually(t, func() bool {
		hpa := &autoscalingv2.HorizontalPodAutoscaler{}
		if err := client.Get(context.Background(),
			types.NamespacedName{Namespace: "serving", Name: "launchpad-sentiment"}, hpa); err != nil {
			return false
		}
		return hpa.Spec.MinReplicas != nil && *hpa.Spec.MinReplicas == 4
	}, 2*time.Second, 2*time.Millisecond)
}
