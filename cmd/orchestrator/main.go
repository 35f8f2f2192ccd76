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

package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/launchpad-ml/launchpad/pkg/autoscaler"
	"github.com/launchpad-ml/launchpad/pkg/builder"
	"github.com/launchpad-ml/launchpad/pkg/bundle"
	"github.com/launchpad-ml/launchpad/pkg/config"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint"
	"github.com/launchpad-ml/launchpad/pkg/credentials"
	"github.com/launchpad-ml/launchpad/pkg/router"
	"github.com/launchpad-ml/launchpad/pkg/server"
)

var log = logf.Log.WithName("Orchestrator")

func main() {
	var configFile string
	var development bool

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Endpoint build and deploy orchestrator",
		Long: `orchestrator validates model bundles, composes and builds serving
images, rolls endpoints out on Kubernetes and serves the inference gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := zapcore.InfoLevel
			if development {
				level = zapcore.DebugLevel
			}
			logf.SetLogger(zap.New(zap.UseDevMode(development), zap.Level(level)))
			return run(configFile)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML config file overriding the environment.")
	cmd.Flags().BoolVar(&development, "development", false, "Enable development log output.")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error(err, "unable to load configuration")
		return err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		log.Error(err, "unable to register client-go scheme")
		return err
	}
	cli, err := kclient.New(ctrl.GetConfigOrDie(), kclient.Options{Scheme: scheme})
	if err != nil {
		log.Error(err, "unable to set up cluster client")
		return err
	}

	pipeline := builder.NewPipeline(
		builder.NewDockerExecutor(cfg.BuildWorkDir),
		&credentials.EnvProvider{Lookup: os.LookupEnv, EnvKey: cfg.RegistryTokenEnv},
		builder.WithConcurrency(cfg.BuildConcurrency),
		builder.WithAttempts(cfg.BuildAttempts),
	)
	images := builder.NewService(
		builder.NewComposer(cfg.Registry, cfg.Repository),
		pipeline,
		cfg.BaseImage,
	)

	manager := endpoint.NewManager(cli, bundle.NewValidator(), images, endpoint.Options{
		Namespace:         cfg.Namespace,
		PollInterval:      cfg.ReadinessPollInterval,
		GraceWindow:       cfg.ReadinessGraceWindow,
		ReadinessAttempts: cfg.ReadinessAttempts,
		TerminationGrace:  cfg.TerminationGrace,
	})
	gateway := router.New(manager)
	coordinator := autoscaler.NewCoordinator(manager, gateway, autoscaler.Options{
		Tick:              cfg.ScaleTick,
		Cooldown:          cfg.ScaleCooldown,
		TargetConcurrency: cfg.TargetConcurrency,
	})

	ctx := ctrl.SetupSignalHandler()
	manager.Start(ctx)
	go pipeline.Start(ctx)
	go coordinator.Start(ctx)

	log.Info("starting orchestrator", "namespace", cfg.Namespace, "addr", cfg.ListenAddr)
	return server.New(manager, gateway, cfg.ListenAddr).Start(ctx)
}
