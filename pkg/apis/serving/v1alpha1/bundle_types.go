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

// Bundle is user-submitted model-loading and prediction code plus its
// dependency declarations. A Bundle is immutable once validated; it is owned
// by the tenant that submitted it.
type Bundle struct {
	// Name identifies the bundle within its tenant.
	Name string `json:"name"`
	// Tenant that submitted the bundle.
	Tenant string `json:"tenant,omitempty"`
	// CodeRef is an opaque reference to the code payload (e.g. an object
	// store location). Resolution is delegated to the build executor.
	CodeRef string `json:"codeRef"`
	// CodeSize is the payload size in bytes as reported at submission.
	CodeSize int64 `json:"codeSize"`
	// CodeDigest is the content digest of the payload.
	CodeDigest string `json:"codeDigest"`
	// LoadModelPath locates the model-loading callable inside the bundle,
	// in "path/to/module.attribute" form.
	LoadModelPath string `json:"loadModelPath"`
	// LoadPredictPath locates the prediction callable inside the bundle.
	LoadPredictPath string `json:"loadPredictPath"`
	// Dependencies declared by the bundle, installed in the dependency
	// layer of the composed image.
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Dependency is one declared requirement of a bundle.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}
