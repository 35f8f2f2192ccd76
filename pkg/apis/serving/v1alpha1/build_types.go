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

// LayerKind identifies one of the three ordered layers of a composed image.
type LayerKind string

const (
	BaseLayer         LayerKind = "base"
	DependenciesLayer LayerKind = "dependencies"
	BundleLayer       LayerKind = "bundle"
)

// Layer is one build step of a BuildSpec.
type Layer struct {
	Kind LayerKind `json:"kind"`
	// Instructions are the rendered build instructions for this layer.
	Instructions string `json:"instructions"`
}

// BuildSpec is the fully-resolved instructions for composing one image from
// a base runtime and a bundle. It is created by the composer, consumed by
// the build pipeline, and never mutated.
type BuildSpec struct {
	// Bundle the spec was composed from.
	Bundle Bundle `json:"bundle"`
	// BaseImage is the parsed base runtime image reference.
	BaseImage ImageRef `json:"baseImage"`
	// ContentHash covers the base image, the canonical dependency manifest
	// and the bundle code digest. Identical inputs always hash identically.
	ContentHash string `json:"contentHash"`
	// Tag derived from ContentHash; the image identity in the registry.
	Tag string `json:"tag"`
	// Destination is where the composed image is pushed on success.
	Destination ImageRef `json:"destination"`
	// Layers in build order: base, dependencies, bundle.
	Layers []Layer `json:"layers"`
	// Env holds the runtime environment variables baked into the image.
	Env map[string]string `json:"env"`
}

// ImageRef is a parsed image reference.
type ImageRef struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// String reassembles the reference.
func (r ImageRef) String() string {
	s := r.Repository
	if r.Registry != "" {
		s = r.Registry + "/" + s
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// BuildStatus is the lifecycle state of an Image.
type BuildStatus string

const (
	BuildPending   BuildStatus = "Pending"
	BuildBuilding  BuildStatus = "Building"
	BuildSucceeded BuildStatus = "Succeeded"
	BuildFailed    BuildStatus = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

// Image is the build pipeline's record for one tag. It is owned by the
// pipeline until it reaches a terminal status, then immutable.
type Image struct {
	Tag    string      `json:"tag"`
	Status BuildStatus `json:"status"`
	// RegistryLocation is set once the image is pushed.
	RegistryLocation string `json:"registryLocation,omitempty"`
	// FailedLayer names the layer that failed a non-cached build.
	FailedLayer LayerKind `json:"failedLayer,omitempty"`
	// Error holds the underlying tool error for a failed build.
	Error string `json:"error,omitempty"`
}
