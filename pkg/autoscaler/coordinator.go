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

// Package autoscaler samples endpoint load on a fixed tick and requests
// replica changes through the endpoint manager. It never mutates cluster
// resources and never moves an endpoint out of a serving phase.
package autoscaler

import (
	"context"
	"math"
	"sync"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
)

var log = logf.Log.WithName("AutoscalingCoordinator")

// Scaler is the narrow slice of the endpoint manager the coordinator may
// use.
type Scaler interface {
	List() []v1alpha1.Endpoint
	RequestScale(ctx context.Context, name string, replicas int32) error
}

// LoadSampler reports observed in-flight request concurrency per endpoint.
// The gateway router's in-flight gauge is the usual implementation.
type LoadSampler interface {
	InFlight(endpoint string) float64
}

// Options tunes the coordinator.
type Options struct {
	// Tick between evaluations.
	Tick time.Duration
	// Cooldown after a scale-up during which scale-downs are suppressed.
	Cooldown time.Duration
	// TargetConcurrency used when an endpoint declares no policy.
	TargetConcurrency float64
}

func (o *Options) withDefaults() {
	if o.Tick <= 0 {
		o.Tick = mustParseDuration(constants.DefaultScaleTick)
	}
	if o.Cooldown <= 0 {
		o.Cooldown = mustParseDuration(constants.DefaultScaleDownCooldown)
	}
	if o.TargetConcurrency <= 0 {
		o.TargetConcurrency = constants.DefaultTargetConcurrency
	}
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Coordinator periodically sizes Ready endpoints to their observed load.
type Coordinator struct {
	scaler  Scaler
	sampler LoadSampler
	opts    Options

	mu          sync.Mutex
	lastScaleUp map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

func NewCoordinator(scaler Scaler, sampler LoadSampler, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		scaler:      scaler,
		sampler:     sampler,
		opts:        opts,
		lastScaleUp: map[string]time.Time{},
		now:         time.Now,
	}
}

// Start runs evaluation ticks until ctx is cancelled. The coordinator
// holds no lock while sleeping between ticks.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one evaluation pass over all endpoints.
func (c *Coordinator) EvaluateAll(ctx context.Context) {
	for _, ep := range c.scaler.List() {
		target, ok := c.evaluate(&ep)
		if !ok {
			continue
		}
		if err := c.scaler.RequestScale(ctx, ep.Name, target); err != nil {
			log.Error(err, "scale request rejected", "endpoint", ep.Name, "target", target)
		}
	}
}

// evaluate computes the replica target for one endpoint and reports
// whether a change should be issued.
func (c *Coordinator) evaluate(ep *v1alpha1.Endpoint) (int32, bool) {
	// Failed, Terminating and in-rollout endpoints are skipped; the
	// coordinator never interferes with the rollout state machine.
	if ep.Status.Phase != v1alpha1.EndpointReady {
		return 0, false
	}
	if ep.Spec.MaxReplicas <= ep.Spec.MinReplicas {
		return 0, false
	}

	targetConcurrency := c.opts.TargetConcurrency
	hysteresis := constants.DefaultScaleHysteresis
	if ep.Spec.Autoscaling != nil {
		if ep.Spec.Autoscaling.TargetConcurrency > 0 {
			targetConcurrency = ep.Spec.Autoscaling.TargetConcurrency
		}
		if ep.Spec.Autoscaling.Hysteresis > 0 {
			hysteresis = ep.Spec.Autoscaling.Hysteresis
		}
	}

	load := c.sampler.InFlight(ep.Name)
	target := int32(math.Ceil(load / targetConcurrency))
	if target < ep.Spec.MinReplicas {
		target = ep.Spec.MinReplicas
	}
	if target > ep.Spec.MaxReplicas {
		target = ep.Spec.MaxReplicas
	}

	current := ep.Status.Replicas
	delta := target - current
	if delta < 0 {
		delta = -delta
	}
	if delta <= hysteresis {
		return 0, false
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if target > current {
		// Scale-ups apply immediately.
		c.lastScaleUp[ep.Name] = now
		return target, true
	}
	// Scale-downs wait out the cooldown from the last scale-up.
	if last, ok := c.lastScaleUp[ep.Name]; ok && now.Sub(last) < c.opts.Cooldown {
		log.Info("scale-down suppressed by cooldown", "endpoint", ep.Name,
			"target", target, "current", current)
		return 0, false
	}
	return target, true
}
