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

// Package endpoint owns the endpoint rollout state machine. Endpoints are
// reconciled concurrently, each by its own control loop; transitions for
// one endpoint are serialized by that loop. All cluster mutations for an
// endpoint go through this package and nowhere else.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/bundle"
	"github.com/launchpad-ml/launchpad/pkg/constants"
	"github.com/launchpad-ml/launchpad/pkg/metrics"
)

var log = logf.Log.WithName("EndpointManager")

// ImageBuilder requests a built image for a bundle. The build pipeline's
// service satisfies it.
type ImageBuilder interface {
	BuildImage(ctx context.Context, b *v1alpha1.Bundle) (v1alpha1.Image, error)
}

// Options tunes the manager's control loops.
type Options struct {
	Namespace string
	// PollInterval between readiness observations.
	PollInterval time.Duration
	// GraceWindow the readiness signal must hold continuously before a
	// rollout is considered done.
	GraceWindow time.Duration
	// ReadinessAttempts bounds readiness polling per rollout.
	ReadinessAttempts int
	// TerminationGrace bounds cooperative teardown before forced deletion.
	TerminationGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.Namespace == "" {
		o.Namespace = constants.LaunchpadNamespace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = mustParseDuration(constants.DefaultReadinessPollInterval)
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = mustParseDuration(constants.DefaultReadinessGraceWindow)
	}
	if o.ReadinessAttempts <= 0 {
		o.ReadinessAttempts = constants.DefaultReadinessAttempts
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = mustParseDuration(constants.DefaultTerminationGraceTime)
	}
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// managedEndpoint is one endpoint's in-memory record. statusMu guards the
// spec/status snapshot only; transitions are serialized by the endpoint's
// control loop goroutine and never hold statusMu while sleeping.
type managedEndpoint struct {
	name      string
	namespace string

	statusMu sync.RWMutex
	spec     v1alpha1.EndpointSpec
	status   v1alpha1.EndpointStatus

	// updates carries the latest superseding spec; stale pending specs are
	// replaced, latest wins.
	updates chan v1alpha1.EndpointSpec
	// scale carries the latest requested replica count.
	scale  chan int32
	cancel context.CancelFunc
	done   chan struct{}
}

func (me *managedEndpoint) snapshot() v1alpha1.Endpoint {
	me.statusMu.RLock()
	defer me.statusMu.RUnlock()
	return v1alpha1.Endpoint{
		Name:      me.name,
		Namespace: me.namespace,
		Spec:      me.spec,
		Status:    me.status,
	}
}

func (me *managedEndpoint) phase() v1alpha1.EndpointPhase {
	me.statusMu.RLock()
	defer me.statusMu.RUnlock()
	return me.status.Phase
}

func (me *managedEndpoint) setPhase(phase v1alpha1.EndpointPhase) {
	me.statusMu.Lock()
	previous := me.status.Phase
	me.status.Phase = phase
	me.statusMu.Unlock()
	metrics.SetEndpointPhase(me.name, string(previous), string(phase))
	log.Info("endpoint phase transition", "endpoint", me.name, "from", previous, "to", phase)
}

func (me *managedEndpoint) mutateStatus(mutate func(*v1alpha1.EndpointStatus)) {
	me.statusMu.Lock()
	defer me.statusMu.Unlock()
	mutate(&me.status)
}

// Manager creates, updates and terminates endpoints.
type Manager struct {
	client    kclient.Client
	validator *bundle.Validator
	images    ImageBuilder
	opts      Options

	mu         sync.RWMutex
	endpoints  map[string]*managedEndpoint
	generation int64
	baseCtx    context.Context
}

func NewManager(client kclient.Client, validator *bundle.Validator, images ImageBuilder, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		client:    client,
		validator: validator,
		images:    images,
		opts:      opts,
		endpoints: map[string]*managedEndpoint{},
		baseCtx:   context.Background(),
	}
}

// Start anchors all endpoint control loops to ctx. Cancelling ctx tears
// down every endpoint.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Apply accepts a desired spec for the named endpoint. The bundle is
// validated before any build resource is consumed; an invalid bundle fails
// here and nothing else happens. For an existing endpoint the spec
// supersedes the current one and triggers a rolling update.
func (m *Manager) Apply(ctx context.Context, name string, spec v1alpha1.EndpointSpec) error {
	if err := m.validator.Validate(&spec.Bundle); err != nil {
		return err
	}
	if spec.MinReplicas <= 0 {
		spec.MinReplicas = constants.DefaultMinReplicas
	}
	if spec.MaxUnavailable < 0 || spec.MaxUnavailable >= 1 {
		return errors.Errorf("maxUnavailable %v must be within [0, 1)", spec.MaxUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	spec.Generation = m.generation

	if me, ok := m.endpoints[name]; ok {
		if me.phase() == v1alpha1.EndpointTerminating || me.phase() == v1alpha1.EndpointTerminated {
			return errors.Errorf("endpoint %q is terminating", name)
		}
		me.statusMu.Lock()
		me.spec = spec
		me.statusMu.Unlock()
		// Latest pending spec wins.
		select {
		case <-me.updates:
		default:
		}
		me.updates <- spec
		return nil
	}

	loopCtx, cancel := context.WithCancel(m.baseCtx)
	me := &managedEndpoint{
		name:      name,
		namespace: m.opts.Namespace,
		spec:      spec,
		status:    v1alpha1.EndpointStatus{Phase: v1alpha1.EndpointPending},
		updates:   make(chan v1alpha1.EndpointSpec, 1),
		scale:     make(chan int32, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	metrics.SetEndpointPhase(name, "", string(v1alpha1.EndpointPending))
	me.updates <- spec
	m.endpoints[name] = me
	go m.runEndpoint(loopCtx, me)
	return nil
}

// Terminate tears an endpoint down. Terminating an unknown or already
// terminated endpoint is a no-op.
func (m *Manager) Terminate(ctx context.Context, name string) error {
	m.mu.RLock()
	me, ok := m.endpoints[name]
	m.mu.RUnlock()
	if !ok || me.phase() == v1alpha1.EndpointTerminated {
		return nil
	}
	// Cancels the control loop: any in-flight build attachment and any
	// pending autoscaling evaluation for this endpoint die with it.
	me.cancel()
	select {
	case <-me.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Get returns a snapshot of the named endpoint.
func (m *Manager) Get(name string) (v1alpha1.Endpoint, bool) {
	m.mu.RLock()
	me, ok := m.endpoints[name]
	m.mu.RUnlock()
	if !ok {
		return v1alpha1.Endpoint{}, false
	}
	return me.snapshot(), true
}

// List returns snapshots of all endpoints.
func (m *Manager) List() []v1alpha1.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]v1alpha1.Endpoint, 0, len(m.endpoints))
	for _, me := range m.endpoints {
		out = append(out, me.snapshot())
	}
	return out
}

// RequestScale asks the endpoint's control loop to move to the given
// replica count. The coordinator calls this; it never mutates cluster
// resources itself. Requests against non-serving endpoints are dropped.
func (m *Manager) RequestScale(_ context.Context, name string, replicas int32) error {
	m.mu.RLock()
	me, ok := m.endpoints[name]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown endpoint %q", name)
	}
	if !me.phase().Serving() {
		return &v1alpha1.EndpointUnavailableError{Endpoint: name, Phase: me.phase()}
	}
	// Latest pending request wins.
	select {
	case <-me.scale:
	default:
	}
	me.scale <- replicas
	return nil
}

func (m *Manager) resourceMeta(me *managedEndpoint) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      fmt.Sprintf("%s-%s", constants.LaunchpadName, me.name),
		Namespace: me.namespace,
		Labels:    constants.DefaultEndpointLabels(me.name, me.currentSpec().Bundle.Name),
	}
}

func (me *managedEndpoint) currentSpec() v1alpha1.EndpointSpec {
	me.statusMu.RLock()
	defer me.statusMu.RUnlock()
	return me.spec
}

// withClusterRetry retries transient cluster-API failures with backoff and
// wraps exhausted retries in a ClusterInterfaceError.
func withClusterRetry(op string, resource string, fn func() error) error {
	err := retry.OnError(retry.DefaultBackoff, isTransient, fn)
	if err != nil {
		return &v1alpha1.ClusterInterfaceError{Op: op, Resource: resource, Cause: err}
	}
	return nil
}

func isTransient(err error) bool {
	return apierr.IsServerTimeout(err) || apierr.IsTimeout(err) ||
		apierr.IsTooManyRequests(err) || apierr.IsServiceUnavailable(err) ||
		apierr.IsInternalError(err) || apierr.IsConflict(err)
}
