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

package v1alpha1

import "fmt"

// InvalidBundleError reports the first validation rule a bundle violated.
// Bundles are user input: the error is surfaced immediately and not retried.
type InvalidBundleError struct {
	Bundle string
	Rule   string
	Detail string
}

func (e *InvalidBundleError) Error() string {
	return fmt.Sprintf("invalid bundle %q: %s: %s", e.Bundle, e.Rule, e.Detail)
}

// CompositionError reports malformed build input, e.g. an unparsable base
// image reference. Not retried.
type CompositionError struct {
	Detail string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition error: %s", e.Detail)
}

// BuildFailureError is a terminal build failure after retries were
// exhausted. It names the failing layer and carries the tool error.
type BuildFailureError struct {
	Tag   string
	Layer LayerKind
	Cause error
}

func (e *BuildFailureError) Error() string {
	return fmt.Sprintf("build %s failed at %s layer: %v", e.Tag, e.Layer, e.Cause)
}

func (e *BuildFailureError) Unwrap() error { return e.Cause }

// RolloutFailureError reports a rollout that did not achieve readiness
// within its bounded attempts. Completed batches stay live; only further
// replacement halts.
type RolloutFailureError struct {
	Endpoint string
	Phase    EndpointPhase
	// WorkloadStatus is the most recent status from the workload resource.
	WorkloadStatus string
	Cause          error
}

func (e *RolloutFailureError) Error() string {
	return fmt.Sprintf("rollout of endpoint %q failed in phase %s: %v (workload: %s)",
		e.Endpoint, e.Phase, e.Cause, e.WorkloadStatus)
}

func (e *RolloutFailureError) Unwrap() error { return e.Cause }

// EndpointUnavailableError is returned to a caller routed at an endpoint
// whose phase is not serving. Retry policy belongs to the caller.
type EndpointUnavailableError struct {
	Endpoint string
	Phase    EndpointPhase
}

func (e *EndpointUnavailableError) Error() string {
	return fmt.Sprintf("endpoint %q unavailable in phase %s", e.Endpoint, e.Phase)
}

// ClusterInterfaceError wraps a cluster-API failure that survived its
// bounded retries.
type ClusterInterfaceError struct {
	Op       string
	Resource string
	Cause    error
}

func (e *ClusterInterfaceError) Error() string {
	return fmt.Sprintf("cluster %s %s: %v", e.Op, e.Resource, e.Cause)
}

func (e *ClusterInterfaceError) Unwrap() error { return e.Cause }
