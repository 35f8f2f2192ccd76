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

	"github.com/pkg/errors"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
)

// Service composes and builds serving images for bundles on a fixed base
// runtime image. It is the endpoint manager's view of the build subsystem.
type Service struct {
	composer  *Composer
	pipeline  *Pipeline
	baseImage string
}

func NewService(composer *Composer, pipeline *Pipeline, baseImage string) *Service {
	return &Service{composer: composer, pipeline: pipeline, baseImage: baseImage}
}

// BuildImage composes a BuildSpec for the bundle, submits it and waits for
// the terminal image. Cancelling ctx detaches the caller without stopping a
// build other callers may be attached to.
func (s *Service) BuildImage(ctx context.Context, b *v1alpha1.Bundle) (v1alpha1.Image, error) {
	spec, err := s.composer.Compose(b, s.baseImage, b.Dependencies)
	if err != nil {
		return v1alpha1.Image{}, err
	}
	build := s.pipeline.Submit(spec)
	img, err := build.Wait(ctx)
	if err != nil {
		return img, err
	}
	if img.Status != v1alpha1.BuildSucceeded {
		return img, &v1alpha1.BuildFailureError{
			Tag:   img.Tag,
			Layer: img.FailedLayer,
			Cause: errors.New(img.Error),
		}
	}
	return img, nil
}
