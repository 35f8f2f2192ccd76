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

package constants

import (
	"fmt"
	"os"
)

// Launchpad Constants
var (
	LaunchpadName         = "launchpad"
	LaunchpadAPIGroupName = "serving.launchpad.ml"
	LaunchpadNamespace    = getEnvOrDefault("POD_NAMESPACE", "launchpad-system")
)

// Endpoint Constants
var (
	EndpointName        = "endpoint"
	EndpointLabelKey    = LaunchpadAPIGroupName + "/" + EndpointName
	BundleLabelKey      = LaunchpadAPIGroupName + "/bundle"
	ManagedByLabelKey   = "app.kubernetes.io/managed-by"
	EndpointAppLabelKey = "app"
)

// Bundle runtime contract. The composed image sets these so the inference
// runtime can locate the user code inside the bundle.
const (
	LoadModelModulePathEnvName   = "LOAD_MODEL_MODULE_PATH"
	LoadPredictModulePathEnvName = "LOAD_PREDICT_MODULE_PATH"
	BundleRootEnvName            = "BUNDLE_ROOT"
	BundleRootPath               = "/app/bundle"
)

// Serving container defaults
const (
	ServingContainerName    = "model-server"
	ServingPort             = int32(5005)
	CommonDefaultHttpPort   = int32(80)
	DefaultReadinessPath    = "/readyz"
	DefaultLivenessPath     = "/healthz"
	DefaultTerminationGrace = int64(30)
)

// Build Constants
const (
	DefaultBuildConcurrency  = 4
	DefaultBuildAttempts     = 3
	ImageTagPrefix           = "bundle-"
	ImageTagHashLen          = 12
	DefaultBundleSizeCeiling = int64(4) << 30
)

// Rollout Constants
const (
	DefaultReadinessPollInterval = "2s"
	DefaultReadinessGraceWindow  = "10s"
	DefaultReadinessAttempts     = 30
	DefaultTerminationGraceTime  = "30s"
)

// Autoscaling Constants
const (
	DefaultMinReplicas       = int32(1)
	DefaultScaleTick         = "15s"
	DefaultScaleDownCooldown = "5m"
	DefaultScaleHysteresis   = int32(0)
	DefaultTargetConcurrency = float64(4)
)

// CheckResultType describes the outcome of comparing a desired cluster
// resource against the live one.
type CheckResultType int

const (
	CheckResultCreate  CheckResultType = 0
	CheckResultUpdate  CheckResultType = 1
	CheckResultExisted CheckResultType = 2
	CheckResultUnknown CheckResultType = 3
)

func (c CheckResultType) String() string {
	switch c {
	case CheckResultCreate:
		return "Create"
	case CheckResultUpdate:
		return "Update"
	case CheckResultExisted:
		return "Existed"
	default:
		return "Unknown"
	}
}

// GetEndpointAppLabel returns the selector label value for an endpoint's
// workload pods.
func GetEndpointAppLabel(endpointName string) string {
	return fmt.Sprintf("%s-%s", LaunchpadName, endpointName)
}

// DefaultEndpointLabels returns the labels stamped on every cluster resource
// owned by an endpoint.
func DefaultEndpointLabels(endpointName string, bundleName string) map[string]string {
	return map[string]string{
		EndpointLabelKey:  endpointName,
		BundleLabelKey:    bundleName,
		ManagedByLabelKey: LaunchpadName,
	}
}

func getEnvOrDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
