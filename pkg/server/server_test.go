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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/bundle"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint"
	"github.com/launchpad-ml/launchpad/pkg/router"
)

type stubImageBuilder struct{}

func (stubImageBuilder) BuildImage(_ context.Context, b *v1alpha1.Bundle) (v1alpha1.Image, error) {
	return v1alpha1.Image{
		Tag:              "bundle-" + b.CodeDigest,
		Status:           v1alpha1.BuildSucceeded,
		RegistryLocation: "registry.local:5000/launchpad/endpoints:bundle-" + b.CodeDigest,
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	manager := endpoint.NewManager(fake.NewClientBuilder().Build(),
		bundle.NewValidator(), stubImageBuilder{}, endpoint.Options{
			Namespace:         "serving",
			PollInterval:      2 * time.Millisecond,
			GraceWindow:       4 * time.Millisecond,
			ReadinessAttempts: 3,
		})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)

	srv := httptest.NewServer(New(manager, router.New(manager), ":0").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func endpointSpecBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	spec := v1alpha1.EndpointSpec{
		Bundle: v1alpha1.Bundle{
			Name:            "sentiment-bundle",
			Tenant:          "acme",
			CodeRef:         "s3://bundles/acme/sentiment/v1.tar.gz",
			CodeSize:        2048,
			CodeDigest:      "v1",
			LoadModelPath:   "models/sentiment.load_model",
			LoadPredictPath: "models/sentiment.load_predict",
		},
		MinReplicas: 1,
	}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func doRequest(t *testing.T, method, url string, body *bytes.Buffer) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestApplyEndpointAccepted(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/endpoints/sentiment", endpointSpecBody(t))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/v1/endpoints")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var endpoints []v1alpha1.Endpoint
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&endpoints))
	require.Len(t, endpoints, 1)
	assert.Equal(t, "sentiment", endpoints[0].Name)
}

func TestApplyRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/endpoints/sentiment",
		bytes.NewBufferString("{not json"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApplyRejectsInvalidBundle(t *testing.T) {
	srv := newTestServer(t)

	raw, err := json.Marshal(v1alpha1.EndpointSpec{
		Bundle: v1alpha1.Bundle{Name: "broken"},
	})
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/endpoints/broken", bytes.NewBuffer(raw))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload["error"], "invalid bundle")
}

func TestTerminateEndpointAccepted(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/endpoints/sentiment", endpointSpecBody(t))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	del := doRequest(t, http.MethodDelete, srv.URL+"/v1/endpoints/sentiment", nil)
	defer del.Body.Close()
	assert.Equal(t, http.StatusAccepted, del.StatusCode)

	// Terminating the unknown is a no-op, not an error.
	again := doRequest(t, http.MethodDelete, srv.URL+"/v1/endpoints/never-existed", nil)
	defer again.Body.Close()
	assert.Equal(t, http.StatusAccepted, again.StatusCode)
}

func TestStatusRouteServesSnapshot(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/endpoints/sentiment", endpointSpecBody(t))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	statusResp, err := http.Get(srv.URL + "/v1/endpoints/sentiment")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var ep v1alpha1.Endpoint
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&ep))
	assert.Equal(t, "sentiment", ep.Name)
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
