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

package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Config is the orchestrator's process configuration. Values come from the
// environment under the LAUNCHPAD prefix, optionally overridden by a YAML
// file.
type Config struct {
	// Namespace all endpoint cluster resources live in.
	Namespace string `envconfig:"NAMESPACE" json:"namespace"`
	// ListenAddr for the combined gateway and admin HTTP surface.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080" json:"listenAddr"`

	// BaseImage is the serving runtime image bundles are composed onto.
	BaseImage string `envconfig:"BASE_IMAGE" default:"launchpad/runtime:stable" json:"baseImage"`
	// Registry and Repository locate composed images.
	Registry   string `envconfig:"REGISTRY" default:"registry.local:5000" json:"registry"`
	Repository string `envconfig:"REPOSITORY" default:"launchpad/endpoints" json:"repository"`
	// RegistryTokenEnv names the env var holding a pre-issued push token.
	// Credential exchange itself stays outside the orchestrator.
	RegistryTokenEnv string `envconfig:"REGISTRY_TOKEN_ENV" default:"LAUNCHPAD_REGISTRY_TOKEN" json:"registryTokenEnv"`

	// BuildConcurrency bounds the build worker pool.
	BuildConcurrency int `envconfig:"BUILD_CONCURRENCY" default:"4" json:"buildConcurrency"`
	// BuildAttempts bounds per-layer retries.
	BuildAttempts int `envconfig:"BUILD_ATTEMPTS" default:"3" json:"buildAttempts"`
	// BuildWorkDir roots build workspaces; empty means the system temp dir.
	BuildWorkDir string `envconfig:"BUILD_WORK_DIR" json:"buildWorkDir"`

	ReadinessPollInterval time.Duration `envconfig:"READINESS_POLL_INTERVAL" default:"2s" json:"readinessPollInterval"`
	ReadinessGraceWindow  time.Duration `envconfig:"READINESS_GRACE_WINDOW" default:"10s" json:"readinessGraceWindow"`
	ReadinessAttempts     int           `envconfig:"READINESS_ATTEMPTS" default:"30" json:"readinessAttempts"`
	TerminationGrace      time.Duration `envconfig:"TERMINATION_GRACE" default:"30s" json:"terminationGrace"`

	ScaleTick         time.Duration `envconfig:"SCALE_TICK" default:"15s" json:"scaleTick"`
	ScaleCooldown     time.Duration `envconfig:"SCALE_COOLDOWN" default:"5m" json:"scaleCooldown"`
	TargetConcurrency float64       `envconfig:"TARGET_CONCURRENCY" default:"4" json:"targetConcurrency"`
}

// Load reads configuration from the environment, then applies overrides
// from path when it is non-empty.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("launchpad", cfg); err != nil {
		return nil, errors.Wrap(err, "processing environment config")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	return cfg, nil
}
