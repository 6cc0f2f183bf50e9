// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The argus binary is a Kubernetes-resident monitoring sidecar. It aggregates
// health signals from the cluster, pushed Prometheus alerts, a watchdog
// heartbeat and a filesystem probe, and forwards the resulting alerts to a
// downstream NOC endpoint with a two-phase send/verify protocol. One replica
// holds a Kubernetes lease and performs the mutating sends and the on-disk
// heartbeat.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
	"github.com/GoogleCloudPlatform/argus/pkg/argus"
	"github.com/GoogleCloudPlatform/argus/pkg/heartbeat"
	"github.com/GoogleCloudPlatform/argus/pkg/lease"
	"github.com/GoogleCloudPlatform/argus/pkg/noc"
	"github.com/GoogleCloudPlatform/argus/pkg/sources"
	"github.com/GoogleCloudPlatform/argus/pkg/ticker"
	"github.com/GoogleCloudPlatform/argus/pkg/watchdog"
	"github.com/GoogleCloudPlatform/argus/pkg/web"
)

func main() {
	a := kingpin.New("argus", "Kubernetes monitoring sidecar with NOC forwarding")
	a.HelpFlag.Short('h')

	var (
		configFile    = a.Flag("config.file", "Path to the argus configuration file.").Required().String()
		listenAddress = a.Flag("web.listen-address", "Address the HTTP server binds to.").Default(":8080").String()
		logLevel      = a.Flag("log.level", "Log level (debug, info, warn, error).").Default("info").Enum("debug", "info", "warn", "error")
	)
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		os.Exit(2)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(*logLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	cfg, err := argus.Load(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kubeClient, err := newKubeClient()
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing kubernetes client failed", "err", err)
		os.Exit(1)
	}

	windows, err := cfg.WindowDefaults()
	if err != nil {
		_ = level.Error(logger).Log("msg", "invalid suppression windows", "err", err)
		os.Exit(1)
	}
	ttl, err := cfg.AlertTTL()
	if err != nil {
		_ = level.Error(logger).Log("msg", "invalid alert TTL", "err", err)
		os.Exit(1)
	}

	ticks := ticker.New(log.With(logger, "component", "ticker"), reg, ticker.Options{
		TickInterval:     time.Second,
		GracePeriodTicks: cfg.GracePeriodTicks(),
	})
	liveness := ticker.NewLiveness()

	supp := alerts.NewSuppressionCache(log.With(logger, "component", "suppression"), ticks, ticks.TickInterval(), windows)
	vector := alerts.NewVector(log.With(logger, "component", "alerts"), reg, ticks, supp, int64(ttl/ticks.TickInterval()))

	leaderLease, err := lease.New(log.With(logger, "component", "lease"), reg, kubeClient, lease.Options{
		LeaseName:     cfg.LeaderElection.LeaseName,
		Namespace:     cfg.LeaderElection.Namespace,
		Identity:      lease.DefaultIdentity(),
		LeaseDuration: time.Duration(cfg.LeaderElection.LeaseDurationSeconds) * time.Second,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing leader election failed", "err", err)
		os.Exit(1)
	}
	leaderLease.Register(func(isLeader bool) {
		// The gauge and transition logs live in the lease itself; this hook
		// exists so operators see role flips at the top level too.
		_ = level.Info(logger).Log("msg", "leadership changed", "is_leader", isLeader)
	})

	health := noc.NewHealth(log.With(logger, "component", "noc"), reg, cfg.Noc.CircuitBreaker.FailureThreshold)
	queue := noc.NewQueue(reg)
	nocClient := noc.NewClient(log.With(logger, "component", "noc"), noc.ClientConfig{
		SendEndpoint:        cfg.Noc.HttpClient.SendEndpoint,
		VerifyEndpoint:      cfg.Noc.HttpClient.VerifyEndpoint,
		Timeout:             time.Duration(cfg.Noc.HttpClient.TimeoutSeconds) * time.Second,
		BypassSSLValidation: cfg.Noc.HttpClient.BypassSslValidation,
		ConnectIPAddress:    cfg.Noc.HttpClient.ConnectIpAddress,
		ConnectPort:         cfg.Noc.HttpClient.ConnectPort,
		Username:            cfg.Noc.HttpClient.Username,
		Password:            cfg.Noc.HttpClient.Password,
		TeamName:            cfg.Noc.HttpClient.TeamName,
		SystemName:          cfg.Noc.HttpClient.SystemName,
		HostName:            cfg.Noc.HttpClient.HostName,
	})
	dispatcher := noc.NewDispatcher(log.With(logger, "component", "dispatcher"), reg,
		queue, vector, supp, health, nocClient, leaderLease, noc.DispatcherOptions{
			Enabled: cfg.Noc.Enabled,
		})
	snapshotter := noc.NewSnapshotter(log.With(logger, "component", "snapshot"), ticks, vector, supp, queue)

	wd := watchdog.New(log.With(logger, "component", "watchdog"), ticks, vector, watchdog.Options{
		AlertName:      cfg.Watchdog.AlertName,
		TimeoutTicks:   int64(cfg.Watchdog.TimeoutSeconds),
		CreateBehavior: cfg.Watchdog.CreateNocBehavior,
		CancelBehavior: cfg.Watchdog.CancelNocBehavior,
	})

	k8sLayer, err := sources.NewK8sLayer(log.With(logger, "component", "k8s-layer"), kubeClient, ticks, vector, sources.K8sLayerOptions{
		Namespace:          cfg.K8sLayer.Namespace,
		PrometheusSelector: cfg.K8sLayer.PrometheusSelector,
		KSMSelector:        cfg.K8sLayer.KsmSelector,
		RestartTracking: sources.RestartTrackingOptions{
			WindowSize:       cfg.K8sLayer.RestartTracking.WindowSize,
			RestartThreshold: cfg.K8sLayer.RestartTracking.RestartThreshold,
		},
		CreateBehavior: cfg.DefaultNoc.CreateNocBehavior,
		CancelBehavior: cfg.DefaultNoc.CancelNocBehavior,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing k8s layer failed", "err", err)
		os.Exit(1)
	}

	hb, err := heartbeat.New(log.With(logger, "component", "heartbeat"), reg, liveness, health, leaderLease, dispatcher, heartbeat.Options{
		FileEnabled: cfg.Heartbeat.File.Enabled,
		FilePath:    cfg.Heartbeat.File.DestinationPath,
		HTTPEnabled: cfg.Noc.Enabled && cfg.Heartbeat.Http.Enabled,
		Message:     cfg.Heartbeat.Http.Message,
		Source:      cfg.Heartbeat.Http.Source,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing heartbeat failed", "err", err)
		os.Exit(1)
	}

	push := sources.NewPromPush(log.With(logger, "component", "prompush"), reg, ticks, vector, wd,
		cfg.DefaultNoc.CreateNocBehavior, cfg.DefaultNoc.CancelNocBehavior)

	// Callbacks stamp the liveness vector themselves on completion; a panic
	// skips the stamp and turns the callback unhealthy within two intervals.
	stamped := func(name string, intervalTicks int64, fn ticker.CallbackFunc) ticker.CallbackFunc {
		return func(ctx context.Context, tick int64, correlationID string) {
			fn(ctx, tick, correlationID)
			liveness.RecordExecution(name, intervalTicks, tick)
		}
	}
	register := func(name string, intervalTicks int64, graceAware bool, fn ticker.CallbackFunc) {
		err := ticks.Register(ticker.Callback{
			Name:             name,
			IntervalTicks:    intervalTicks,
			GracePeriodAware: graceAware,
			Fn:               stamped(name, intervalTicks, fn),
		})
		if err != nil {
			_ = level.Error(logger).Log("msg", "registering callback failed", "callback", name, "err", err)
			os.Exit(1)
		}
	}

	register("leader-election", int64(cfg.LeaderElection.RenewIntervalSeconds), false, leaderLease.Tick)
	register("k8s-layer", int64(cfg.K8sLayer.PollingIntervalSeconds), false, k8sLayer.Poll)
	register("watchdog", wdTimeoutTicks(cfg.Watchdog.TimeoutSeconds), true, wd.Check)
	register("noc-snapshot", int64(cfg.Coordinator.SnapshotIntervalSeconds), true, snapshotter.Snapshot)
	register("heartbeat", int64(cfg.Heartbeat.IntervalSeconds), false, hb.Tick)

	if cfg.StatusFileSystem.Directory != "" {
		statusFS, err := sources.NewStatusFS(log.With(logger, "component", "statusfs"), ticks, vector, sources.StatusFSOptions{
			Directory:      cfg.StatusFileSystem.Directory,
			CreateBehavior: cfg.DefaultNoc.CreateNocBehavior,
			CancelBehavior: cfg.DefaultNoc.CancelNocBehavior,
		})
		if err != nil {
			_ = level.Error(logger).Log("msg", "initializing status filesystem probe failed", "err", err)
			os.Exit(1)
		}
		register("status-filesystem", int64(cfg.StatusFileSystem.PollingIntervalSeconds), false, statusFS.Poll)
	}

	handler := web.New(log.With(logger, "component", "web"), web.Options{
		Ticks:    ticks,
		Liveness: liveness,
		Health:   health,
		Leader:   leaderLease,
		Watchdog: wd,
		K8sLayer: k8sLayer,
		Push:     push,
		Vector:   vector,
		Gatherer: reg,
	})

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Central timer.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return ticks.Run(ctx)
		}, func(error) {
			// Demote locally; the lease expires for the remaining replicas.
			leaderLease.Resign()
			cancel()
		})
	}
	{
		// NOC queue worker.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return dispatcher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		// HTTP server.
		server := &http.Server{Addr: *listenAddress, Handler: handler}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "listening", "address", *listenAddress)
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

func wdTimeoutTicks(seconds int) int64 {
	if seconds < 1 {
		return 1
	}
	return int64(seconds)
}

// newKubeClient prefers the in-cluster service account and falls back to the
// local kubeconfig for development runs.
func newKubeClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("initializing kube clientconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}
