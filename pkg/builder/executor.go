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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/credentials"
)

// DockerExecutor builds layers by accumulating the spec's instructions into
// a workspace Dockerfile and rebuilding it through the docker CLI. The
// docker layer cache makes re-running earlier layers cheap, so each
// BuildLayer call costs roughly one layer.
type DockerExecutor struct {
	// WorkDir roots per-build workspaces; defaults to the system temp dir.
	WorkDir string
	// Binary defaults to "docker".
	Binary string

	mu         sync.Mutex
	workspaces map[string]string
}

func NewDockerExecutor(workDir string) *DockerExecutor {
	return &DockerExecutor{
		WorkDir:    workDir,
		Binary:     "docker",
		workspaces: map[string]string{},
	}
}

func (e *DockerExecutor) BuildLayer(ctx context.Context, spec *v1alpha1.BuildSpec, layer v1alpha1.Layer) error {
	ws, err := e.workspace(spec.Tag)
	if err != nil {
		return err
	}
	dockerfile := filepath.Join(ws, "Dockerfile")
	f, err := os.OpenFile(dockerfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening workspace Dockerfile")
	}
	if _, err := f.WriteString(layer.Instructions); err != nil {
		f.Close()
		return errors.Wrap(err, "appending layer instructions")
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.binary(), "build",
		"-t", spec.Destination.String(),
		"-f", dockerfile, ws)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "docker build of %s layer: %s", layer.Kind, lastLine(out))
	}
	return nil
}

func (e *DockerExecutor) Push(ctx context.Context, spec *v1alpha1.BuildSpec, auth credentials.RegistryAuth) (string, error) {
	if auth.Token != "" {
		login := exec.CommandContext(ctx, e.binary(), "login",
			"--username", "oauth2accesstoken", "--password-stdin", auth.Registry)
		login.Stdin = strings.NewReader(auth.Token)
		if out, err := login.CombinedOutput(); err != nil {
			return "", errors.Wrapf(err, "docker login to %s: %s", auth.Registry, lastLine(out))
		}
	}
	destination := spec.Destination.String()
	cmd := exec.CommandContext(ctx, e.binary(), "push", destination)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Wrapf(err, "docker push of %s: %s", destination, lastLine(out))
	}
	return destination, nil
}

func (e *DockerExecutor) Discard(ctx context.Context, spec *v1alpha1.BuildSpec) error {
	e.mu.Lock()
	ws, ok := e.workspaces[spec.Tag]
	delete(e.workspaces, spec.Tag)
	e.mu.Unlock()
	if ok {
		if err := os.RemoveAll(ws); err != nil {
			return errors.Wrap(err, "removing build workspace")
		}
	}
	// Untag any partial local image; absence is not an error.
	cmd := exec.CommandContext(ctx, e.binary(), "rmi", "--force", spec.Destination.String())
	_ = cmd.Run()
	return nil
}

func (e *DockerExecutor) workspace(tag string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ws, ok := e.workspaces[tag]; ok {
		return ws, nil
	}
	ws, err := os.MkdirTemp(e.WorkDir, "build-"+tag+"-")
	if err != nil {
		return "", errors.Wrap(err, "creating build workspace")
	}
	e.workspaces[tag] = ws
	return ws, nil
}

func (e *DockerExecutor) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "docker"
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
