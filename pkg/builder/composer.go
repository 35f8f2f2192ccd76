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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/constants"
)

// Composer turns a validated bundle plus a base runtime image into a
// BuildSpec. Composition is a pure data transformation: no side effects
// occur until the pipeline executes the spec.
type Composer struct {
	// Registry and Repository locate composed images.
	Registry   string
	Repository string
}

func NewComposer(registry string, repository string) *Composer {
	return &Composer{Registry: registry, Repository: repository}
}

// Compose produces the BuildSpec for bundle on top of baseImage with the
// given dependency manifest. Identical inputs always produce an identical
// tag; that determinism is what makes image reuse and layer caching safe.
func (c *Composer) Compose(bundle *v1alpha1.Bundle, baseImage string, manifest []v1alpha1.Dependency) (*v1alpha1.BuildSpec, error) {
	baseRef, err := ParseImageRef(baseImage)
	if err != nil {
		return nil, err
	}

	canonical := canonicalManifest(manifest)
	hash := contentHash(baseRef, canonical, bundle.CodeDigest)
	tag := constants.ImageTagPrefix + hash[:constants.ImageTagHashLen]

	env := map[string]string{
		constants.BundleRootEnvName:            constants.BundleRootPath,
		constants.LoadModelModulePathEnvName:   bundle.LoadModelPath,
		constants.LoadPredictModulePathEnvName: bundle.LoadPredictPath,
	}

	spec := &v1alpha1.BuildSpec{
		Bundle:      *bundle,
		BaseImage:   baseRef,
		ContentHash: hash,
		Tag:         tag,
		Destination: v1alpha1.ImageRef{Registry: c.Registry, Repository: c.Repository, Tag: tag},
		Env:         env,
		Layers: []v1alpha1.Layer{
			{Kind: v1alpha1.BaseLayer, Instructions: renderBaseLayer(baseRef)},
			{Kind: v1alpha1.DependenciesLayer, Instructions: renderDependenciesLayer(canonical)},
			{Kind: v1alpha1.BundleLayer, Instructions: renderBundleLayer(bundle, env)},
		},
	}
	return spec, nil
}

// ParseImageRef parses a registry/repository[:tag][@digest] reference.
func ParseImageRef(ref string) (v1alpha1.ImageRef, error) {
	var out v1alpha1.ImageRef
	if strings.TrimSpace(ref) == "" {
		return out, &v1alpha1.CompositionError{Detail: "base image reference must not be empty"}
	}
	if strings.ContainsAny(ref, " \t\n") {
		return out, &v1alpha1.CompositionError{Detail: fmt.Sprintf("base image reference %q contains whitespace", ref)}
	}

	rest := ref
	if i := strings.Index(rest, "@"); i >= 0 {
		out.Digest = rest[i+1:]
		rest = rest[:i]
		if !strings.HasPrefix(out.Digest, "sha256:") || strings.Contains(out.Digest, "@") {
			return v1alpha1.ImageRef{}, &v1alpha1.CompositionError{
				Detail: fmt.Sprintf("base image reference %q has a malformed digest", ref),
			}
		}
	}
	// A tag is a colon after the last path separator.
	if i := strings.LastIndex(rest, ":"); i > strings.LastIndex(rest, "/") {
		out.Tag = rest[i+1:]
		rest = rest[:i]
		if out.Tag == "" {
			return v1alpha1.ImageRef{}, &v1alpha1.CompositionError{
				Detail: fmt.Sprintf("base image reference %q has an empty tag", ref),
			}
		}
	}
	// The first path element is a registry host when it looks like one.
	if i := strings.Index(rest, "/"); i >= 0 {
		first := rest[:i]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			out.Registry = first
			rest = rest[i+1:]
		}
	}
	if rest == "" || strings.HasPrefix(rest, "/") || strings.HasSuffix(rest, "/") {
		return v1alpha1.ImageRef{}, &v1alpha1.CompositionError{
			Detail: fmt.Sprintf("base image reference %q has a malformed repository", ref),
		}
	}
	out.Repository = rest
	return out, nil
}

// canonicalManifest sorts and deduplicates the manifest into stable
// "name==version" lines so hashing is insensitive to declaration order.
func canonicalManifest(manifest []v1alpha1.Dependency) []string {
	seen := map[string]bool{}
	lines := make([]string, 0, len(manifest))
	for _, dep := range manifest {
		line := dep.Name
		if dep.Version != "" {
			line += "==" + dep.Version
		}
		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	return lines
}

// contentHash covers everything that affects the composed image: the pinned
// base image, the dependency set and the bundle code.
func contentHash(base v1alpha1.ImageRef, manifest []string, codeDigest string) string {
	h := sha256.New()
	anchor := base.Digest
	if anchor == "" {
		anchor = base.String()
	}
	fmt.Fprintf(h, "base:%s\n", anchor)
	for _, line := range manifest {
		fmt.Fprintf(h, "dep:%s\n", line)
	}
	fmt.Fprintf(h, "code:%s\n", codeDigest)
	return hex.EncodeToString(h.Sum(nil))
}

func renderBaseLayer(base v1alpha1.ImageRef) string {
	return fmt.Sprintf("FROM %s\n", base.String())
}

func renderDependenciesLayer(manifest []string) string {
	if len(manifest) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("RUN pip install --no-cache-dir \\\n")
	for i, line := range manifest {
		sb.WriteString("    " + line)
		if i < len(manifest)-1 {
			sb.WriteString(" \\")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderBundleLayer(bundle *v1alpha1.Bundle, env map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "COPY %s %s\n", bundle.CodeRef, constants.BundleRootPath)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "ENV %s=%s\n", k, env[k])
	}
	return sb.String()
}

// Dockerfile renders the full layered build file for a spec.
func Dockerfile(spec *v1alpha1.BuildSpec) string {
	var sb strings.Builder
	for _, layer := range spec.Layers {
		sb.WriteString(layer.Instructions)
	}
	return sb.String()
}
