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

// Package bundle validates user-submitted bundles before any build resource
// is consumed. Validation is side-effect free and fail-fast: the first
// violated rule wins, no aggregation.
package bundle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
)

const (
	RuleName            = "name"
	RuleCodeRef         = "codeRef"
	RuleCodeSize        = "codeSize"
	RuleLoadModelPath   = "loadModelPath"
	RuleLoadPredictPath = "loadPredictPath"
	RuleDependencies    = "dependencies"
)

var pathElementRegexp = regexp.MustCompile(`^[A-Za-z0-9_\-][A-Za-z0-9_\-.]*$`)

// Validator checks a submitted bundle's structure.
type Validator struct {
	// SizeCeiling is the maximum accepted code payload size in bytes.
	SizeCeiling int64
}

// NewValidator returns a validator with the platform default size ceiling.
func NewValidator() *Validator {
	return &Validator{SizeCeiling: constants.DefaultBundleSizeCeiling}
}

// Validate returns nil for a well-formed bundle, or an
// *v1alpha1.InvalidBundleError naming the first violated rule.
func (v *Validator) Validate(b *v1alpha1.Bundle) error {
	if strings.TrimSpace(b.Name) == "" {
		return invalid(b, RuleName, "bundle name must not be empty")
	}
	if strings.TrimSpace(b.CodeRef) == "" {
		return invalid(b, RuleCodeRef, "code payload reference must not be empty")
	}
	if b.CodeSize <= 0 {
		return invalid(b, RuleCodeSize, "code payload must not be empty")
	}
	if b.CodeSize > v.SizeCeiling {
		return invalid(b, RuleCodeSize,
			fmt.Sprintf("code payload of %d bytes exceeds ceiling of %d bytes", b.CodeSize, v.SizeCeiling))
	}
	if err := validateModulePath(b, RuleLoadModelPath, b.LoadModelPath); err != nil {
		return err
	}
	if err := validateModulePath(b, RuleLoadPredictPath, b.LoadPredictPath); err != nil {
		return err
	}
	for _, dep := range b.Dependencies {
		if strings.TrimSpace(dep.Name) == "" {
			return invalid(b, RuleDependencies, "dependency name must not be empty")
		}
	}
	return nil
}

// validateModulePath enforces the "path/to/module.attribute" shape: a
// slash-separated relative path whose final element names an attribute
// after its last dot.
func validateModulePath(b *v1alpha1.Bundle, rule string, path string) error {
	if strings.TrimSpace(path) == "" {
		return invalid(b, rule, "module path must not be empty")
	}
	if strings.HasPrefix(path, "/") {
		return invalid(b, rule, fmt.Sprintf("module path %q must be relative", path))
	}
	elements := strings.Split(path, "/")
	for _, element := range elements {
		if element == "" {
			return invalid(b, rule, fmt.Sprintf("module path %q contains an empty element", path))
		}
		if element == "." || element == ".." {
			return invalid(b, rule, fmt.Sprintf("module path %q must not contain %q", path, element))
		}
		if !pathElementRegexp.MatchString(element) {
			return invalid(b, rule, fmt.Sprintf("module path element %q is malformed", element))
		}
	}
	last := elements[len(elements)-1]
	if strings.HasSuffix(last, ".") {
		return invalid(b, rule, fmt.Sprintf("module path %q names no attribute after its final dot", path))
	}
	return nil
}

func invalid(b *v1alpha1.Bundle, rule string, detail string) error {
	return &v1alpha1.InvalidBundleError{Bundle: b.Name, Rule: rule, Detail: detail}
}
