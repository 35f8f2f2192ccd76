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

import (
	corev1 "k8s.io/api/core/v1"
)

// EndpointSpec is the desired state of an endpoint. Each update creates a
// new spec generation; specs are never mutated in place.
type EndpointSpec struct {
	// Bundle to serve. The image tag is derived from it by the composer.
	Bundle Bundle `json:"bundle"`
	// ImageTag is the resolved image for this generation. Empty until the
	// build pipeline has produced it.
	ImageTag string `json:"imageTag,omitempty"`
	// MinReplicas is the replica floor; also the initial replica count.
	MinReplicas int32 `json:"minReplicas"`
	// MaxReplicas caps autoscaling. Zero disables autoscaling and pins the
	// endpoint at MinReplicas.
	MaxReplicas int32 `json:"maxReplicas,omitempty"`
	// Resources requested per replica.
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`
	// Autoscaling policy, honored when MaxReplicas > MinReplicas.
	Autoscaling *AutoscalingSpec `json:"autoscaling,omitempty"`
	// MaxUnavailable is the rollout floor: the fraction of desired capacity
	// that may be unavailable during an update. Zero forbids any capacity
	// loss: replacement capacity is added before old capacity is removed.
	MaxUnavailable float64 `json:"maxUnavailable"`
	// ReadinessPath and ReadinessPort configure the readiness probe of the
	// serving container.
	ReadinessPath string `json:"readinessPath,omitempty"`
	ReadinessPort int32  `json:"readinessPort,omitempty"`
	// TerminationGracePeriodSeconds on the workload pods.
	TerminationGracePeriodSeconds *int64 `json:"terminationGracePeriodSeconds,omitempty"`
	// Generation is assigned by the endpoint manager on each accepted spec.
	Generation int64 `json:"generation,omitempty"`
}

// AutoscalingSpec is the per-endpoint autoscaling policy.
type AutoscalingSpec struct {
	// TargetConcurrency is the desired in-flight requests per replica.
	TargetConcurrency float64 `json:"targetConcurrency"`
	// Hysteresis suppresses replica deltas at or below this size.
	Hysteresis int32 `json:"hysteresis,omitempty"`
}

// EndpointPhase is the rollout state machine's state.
type EndpointPhase string

const (
	EndpointPending     EndpointPhase = "Pending"
	EndpointBuilding    EndpointPhase = "Building"
	EndpointDeploying   EndpointPhase = "Deploying"
	EndpointReady       EndpointPhase = "Ready"
	EndpointUpdating    EndpointPhase = "Updating"
	EndpointFailed      EndpointPhase = "Failed"
	EndpointTerminating EndpointPhase = "Terminating"
	EndpointTerminated  EndpointPhase = "Terminated"
)

// Terminal reports whether the phase admits no further transitions other
// than termination.
func (p EndpointPhase) Terminal() bool {
	return p == EndpointTerminated
}

// Serving reports whether the gateway may route traffic to the endpoint.
func (p EndpointPhase) Serving() bool {
	return p == EndpointReady || p == EndpointUpdating
}

// EndpointStatus is the observed state of an endpoint. It is owned
// exclusively by the rollout controller; all other components read
// snapshots and never mutate it.
type EndpointStatus struct {
	Phase EndpointPhase `json:"phase"`
	// Replicas is the current total replica count.
	Replicas int32 `json:"replicas"`
	// ReadyReplicas never exceeds Replicas.
	ReadyReplicas int32 `json:"readyReplicas"`
	// AvailableReplicas as observed on the workload.
	AvailableReplicas int32 `json:"availableReplicas"`
	// ImageTag currently rolled out.
	ImageTag string `json:"imageTag,omitempty"`
	// LastGoodImageTag is preserved when a rollout fails partway.
	LastGoodImageTag string `json:"lastGoodImageTag,omitempty"`
	// Address is the routable service address once the endpoint serves.
	Address string `json:"address,omitempty"`
	// ObservedGeneration is the spec generation this status reflects.
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	// FailurePhase names the phase in which LastError occurred.
	FailurePhase EndpointPhase `json:"failurePhase,omitempty"`
	// LastError is the cause carried by a Failed phase.
	LastError string `json:"lastError,omitempty"`
	// LastWorkloadStatus is the most recent status observed on the
	// underlying workload resource, recorded alongside failures.
	LastWorkloadStatus string `json:"lastWorkloadStatus,omitempty"`
}

// Endpoint pairs a desired spec with its observed status. Identity is
// stable across spec updates.
type Endpoint struct {
	Name      string         `json:"name"`
	Namespace string         `json:"namespace"`
	Spec      EndpointSpec   `json:"spec"`
	Status    EndpointStatus `json:"status"`
}
