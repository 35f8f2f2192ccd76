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

package builder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
	"github.com/launchpad-ml/launchpad/pkg/credentials"
	"github.com/launchpad-ml/launchpad/pkg/metrics"
)

var log = logf.Log.WithName("BuildPipeline")

// LayerBuilder executes the layers of a BuildSpec against a build tool.
// Implementations must leave nothing half-published: Push is only called
// after every layer succeeded, and Discard removes partial local state.
type LayerBuilder interface {
	BuildLayer(ctx context.Context, spec *v1alpha1.BuildSpec, layer v1alpha1.Layer) error
	Push(ctx context.Context, spec *v1alpha1.BuildSpec, auth credentials.RegistryAuth) (string, error)
	Discard(ctx context.Context, spec *v1alpha1.BuildSpec) error
}

// Build is one submission's handle on an image build. Multiple submissions
// of the same tag share one Build.
type Build struct {
	ID   string
	Spec *v1alpha1.BuildSpec

	mu    sync.Mutex
	image v1alpha1.Image
	done  chan struct{}
}

// Done is closed when the build reaches a terminal status.
func (b *Build) Done() <-chan struct{} { return b.done }

// Image returns a snapshot of the build's record.
func (b *Build) Image() v1alpha1.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.image
}

// Wait blocks until the build is terminal or ctx is cancelled. Cancellation
// detaches this caller only; the build itself keeps running for any other
// attached caller.
func (b *Build) Wait(ctx context.Context) (v1alpha1.Image, error) {
	select {
	case <-b.done:
		return b.Image(), nil
	case <-ctx.Done():
		return b.Image(), ctx.Err()
	}
}

func (b *Build) setStatus(mutate func(*v1alpha1.Image)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mutate(&b.image)
}

// Pipeline executes BuildSpecs on a bounded worker pool. Submissions queue
// when the pool is saturated; they are never rejected. Builds are
// idempotent: at most one build runs per tag, and a content-addressed cache
// short-circuits tags that already succeeded.
type Pipeline struct {
	executor    LayerBuilder
	creds       credentials.Provider
	concurrency int
	attempts    int
	backoff     wait.Backoff

	queue workqueue.TypedInterface[string]

	mu       sync.Mutex
	inflight map[string]*Build
	cache    map[string]v1alpha1.Image
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithConcurrency bounds the worker pool.
func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithAttempts bounds per-layer retries.
func WithAttempts(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithBackoff overrides the retry backoff between layer attempts.
func WithBackoff(b wait.Backoff) PipelineOption {
	return func(p *Pipeline) { p.backoff = b }
}

func NewPipeline(executor LayerBuilder, creds credentials.Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		executor:    executor,
		creds:       creds,
		concurrency: constants.DefaultBuildConcurrency,
		attempts:    constants.DefaultBuildAttempts,
		backoff: wait.Backoff{
			Duration: 2 * time.Second,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    constants.DefaultBuildAttempts,
		},
		queue:    workqueue.NewTyped[string](),
		inflight: map[string]*Build{},
		cache:    map[string]v1alpha1.Image{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool and blocks until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	<-ctx.Done()
	p.queue.ShutDown()
	wg.Wait()
}

// Submit enqueues spec for building and returns its handle. Resubmitting a
// tag that is already in flight attaches to the existing build; a tag that
// already succeeded returns a completed handle from the cache.
func (p *Pipeline) Submit(spec *v1alpha1.BuildSpec) *Build {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[spec.Tag]; ok {
		metrics.RecordBuildCacheHit()
		b := &Build{
			ID:    uuid.NewString(),
			Spec:  spec,
			image: cached,
			done:  make(chan struct{}),
		}
		close(b.done)
		return b
	}
	if existing, ok := p.inflight[spec.Tag]; ok {
		return existing
	}

	b := &Build{
		ID:   uuid.NewString(),
		Spec: spec,
		image: v1alpha1.Image{
			Tag:    spec.Tag,
			Status: v1alpha1.BuildPending,
		},
		done: make(chan struct{}),
	}
	p.inflight[spec.Tag] = b
	p.queue.Add(spec.Tag)
	return b
}

// Lookup returns the in-flight build for tag, if any.
func (p *Pipeline) Lookup(tag string) (*Build, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.inflight[tag]
	return b, ok
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		tag, shutdown := p.queue.Get()
		if shutdown {
			return
		}
		p.process(ctx, tag)
		p.queue.Done(tag)
	}
}

func (p *Pipeline) process(ctx context.Context, tag string) {
	p.mu.Lock()
	b, ok := p.inflight[tag]
	p.mu.Unlock()
	if !ok {
		return
	}

	metrics.BuildStarted()
	defer metrics.BuildFinished()

	b.setStatus(func(img *v1alpha1.Image) { img.Status = v1alpha1.BuildBuilding })
	log.Info("build started", "tag", tag, "buildID", b.ID)

	err := p.buildLayers(ctx, b.Spec)
	if err == nil {
		err = p.push(ctx, b)
	}

	p.mu.Lock()
	delete(p.inflight, tag)
	if err == nil {
		p.cache[tag] = b.Image()
	}
	p.mu.Unlock()

	if err != nil {
		// Partial layers are discarded, never left half-published.
		if derr := p.executor.Discard(ctx, b.Spec); derr != nil {
			log.Error(derr, "failed to discard partial build", "tag", tag)
		}
		var failure *v1alpha1.BuildFailureError
		if !errors.As(err, &failure) {
			failure = &v1alpha1.BuildFailureError{Tag: tag, Cause: err}
		}
		b.setStatus(func(img *v1alpha1.Image) {
			img.Status = v1alpha1.BuildFailed
			img.FailedLayer = failure.Layer
			img.Error = failure.Error()
		})
		metrics.RecordBuildResult("failed")
		log.Error(err, "build failed", "tag", tag, "layer", failure.Layer)
	} else {
		metrics.RecordBuildResult("succeeded")
		log.Info("build succeeded", "tag", tag, "location", b.Image().RegistryLocation)
	}
	close(b.done)
}

// buildLayers executes the spec's layers in order, retrying each layer with
// backoff before giving up.
func (p *Pipeline) buildLayers(ctx context.Context, spec *v1alpha1.BuildSpec) error {
	for _, layer := range spec.Layers {
		var lastErr error
		err := wait.ExponentialBackoffWithContext(ctx, p.retryBackoff(), func(ctx context.Context) (bool, error) {
			if lastErr = p.executor.BuildLayer(ctx, spec, layer); lastErr != nil {
				log.Info("layer attempt failed", "tag", spec.Tag, "layer", layer.Kind, "error", lastErr.Error())
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return &v1alpha1.BuildFailureError{Tag: spec.Tag, Layer: layer.Kind, Cause: lastErr}
		}
	}
	return nil
}

func (p *Pipeline) push(ctx context.Context, b *Build) error {
	auth, err := p.creds.RegistryAuth(ctx, b.Spec.Destination.Registry)
	if err != nil {
		return errors.Wrap(err, "resolving registry credentials")
	}
	location, err := p.executor.Push(ctx, b.Spec, auth)
	if err != nil {
		return errors.Wrapf(err, "pushing image %s", b.Spec.Tag)
	}
	b.setStatus(func(img *v1alpha1.Image) {
		img.Status = v1alpha1.BuildSucceeded
		img.RegistryLocation = location
	})
	return nil
}

func (p *Pipeline) retryBackoff() wait.Backoff {
	b := p.backoff
	b.Steps = p.attempts
	return b
}
