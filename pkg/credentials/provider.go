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

// Package credentials delegates registry authentication to an external
// provider. The orchestrator never inlines registry credentials.
package credentials

import "context"

// RegistryAuth is an opaque token the build executor hands to the registry.
type RegistryAuth struct {
	Registry string
	Token    string
}

// Provider resolves push credentials for a registry.
type Provider interface {
	RegistryAuth(ctx context.Context, registry string) (RegistryAuth, error)
}

// AnonymousProvider authenticates nothing; suitable for local registries
// and tests.
type AnonymousProvider struct{}

func (AnonymousProvider) RegistryAuth(_ context.Context, registry string) (RegistryAuth, error) {
	return RegistryAuth{Registry: registry}, nil
}

// EnvProvider resolves a pre-issued token from the environment, keeping the
// actual credential exchange outside the orchestrator.
type EnvProvider struct {
	Lookup func(key string) (string, bool)
	EnvKey string
}

func (p *EnvProvider) RegistryAuth(_ context.Context, registry string) (RegistryAuth, error) {
	token, _ := p.Lookup(p.EnvKey)
	return RegistryAuth{Registry: registry, Token: token}, nil
}
