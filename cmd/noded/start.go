package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/noded/pkg/allocator"
	"github.com/cuemby/noded/pkg/committer"
	"github.com/cuemby/noded/pkg/depcache"
	"github.com/cuemby/noded/pkg/imagecache"
	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/metrics"
	"github.com/cuemby/noded/pkg/netprov"
	"github.com/cuemby/noded/pkg/reader"
	"github.com/cuemby/noded/pkg/runmanager"
	"github.com/cuemby/noded/pkg/runtime"
	"github.com/cuemby/noded/pkg/statemachine"
	"github.com/cuemby/noded/pkg/types"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node daemon",
	Long: `start brings up the node-local run lifecycle engine: it connects to
containerd, provisions the node's fixed bridge networks, restores any
runs left behind by a previous process from its state file, and begins
ticking the scheduler loop until signaled to shut down.`,
	RunE: runStart,
}

func init() {
	flags := startCmd.Flags()
	flags.String("work-dir", "/var/lib/noded", "Root directory for run bundles, caches and state")
	flags.String("containerd-socket", runtime.DefaultSocketPath, "Path to the containerd socket")
	flags.String("network-prefix", "noded", "Prefix for the node's bridge networks")
	flags.StringSlice("cpuset", nil, "CPU identifiers this node may assign to runs (default: detect from runtime.NumCPU)")
	flags.StringSlice("gpuset", nil, "GPU identifiers this node may assign to runs")
	flags.Int64("memory-bytes", 0, "Total memory this node reports to the scheduler (0: unmeasured)")
	flags.Bool("shared-filesystem", false, "The scheduler provisions bundle directories out of band on a shared filesystem")
	flags.Duration("kill-timeout", runmanager.DefaultKillTimeout, "Ceiling kill_all waits for runs to drain on shutdown")
	flags.Duration("tick-interval", time.Second, "Interval between scheduler ticks")
	flags.Int("image-pull-concurrency", 4, "Maximum concurrent image pulls")
	flags.Int("dependency-fetch-concurrency", 4, "Maximum concurrent dependency fetches")
	flags.String("metrics-addr", ":9090", "Listen address for the /metrics, /health, /ready and /live endpoints")
}

func runStart(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	workDir, _ := flags.GetString("work-dir")
	containerdSocket, _ := flags.GetString("containerd-socket")
	networkPrefix, _ := flags.GetString("network-prefix")
	cpuset, _ := flags.GetStringSlice("cpuset")
	gpuset, _ := flags.GetStringSlice("gpuset")
	memoryBytes, _ := flags.GetInt64("memory-bytes")
	sharedFilesystem, _ := flags.GetBool("shared-filesystem")
	killTimeout, _ := flags.GetDuration("kill-timeout")
	tickInterval, _ := flags.GetDuration("tick-interval")
	imageConcurrency, _ := flags.GetInt("image-pull-concurrency")
	depConcurrency, _ := flags.GetInt("dependency-fetch-concurrency")
	metricsAddr, _ := flags.GetString("metrics-addr")

	if len(cpuset) == 0 {
		cpuset = detectCPUSet()
	}

	if err := os.MkdirAll(workDir, 0o770); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	log.WithComponent("noded").Info().
		Str("work_dir", workDir).
		Strs("cpuset", cpuset).
		Strs("gpuset", gpuset).
		Msg("starting node daemon")

	cdRuntime, err := runtime.NewContainerdRuntime(containerdSocket)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentRuntime, false, err.Error())
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentRuntime, true, "connected")

	alloc := allocator.New(types.NewStringSet(cpuset...), types.NewStringSet(gpuset...))
	networks := netprov.New(cdRuntime, networkPrefix)

	statePath := filepath.Join(workDir, "state.json")
	commit := committer.New(statePath)
	metrics.RegisterComponent(metrics.ComponentCommitter, true, "ready")

	images := imagecache.New(cdRuntime, imageConcurrency)
	metrics.RegisterComponent(metrics.ComponentImageCache, true, "ready")

	depDBPath := filepath.Join(workDir, "dependencies.db")
	depCacheDir := filepath.Join(workDir, "dependency-cache")
	deps, err := depcache.New(&localFetcher{workDir: workDir}, depDBPath, depCacheDir, depConcurrency)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentDependencyCache, false, err.Error())
		return fmt.Errorf("failed to open dependency cache: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentDependencyCache, true, "ready")

	mgr := runmanager.New(runmanager.Config{
		WorkDir:          workDir,
		SharedFilesystem: sharedFilesystem,
		Runtime:          cdRuntime,
		Images:           images,
		Dependencies:     deps,
		Networks:         networks,
		Allocator:        alloc,
		Committer:        commit,
		Reader:           reader.New(),
		MemoryBytes:      memoryBytes,
		KillTimeout:      killTimeout,
	})

	sm := statemachine.New(statemachine.Config{
		Runtime:          cdRuntime,
		Images:           images,
		Dependencies:     deps,
		Networks:         networks,
		Allocate:         mgr.Allocate,
		Upload:           noopUploader,
		SharedFilesystem: sharedFilesystem,
		KillGrace:        10 * time.Second,
	})
	mgr.SetStateMachine(sm)

	if err := networks.EnsureNetworks(); err != nil {
		return fmt.Errorf("failed to provision networks: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start run manager: %w", err)
	}

	metrics.SetVersion(Version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("noded").Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.ProcessRuns(ctx)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("noded").Info().Msg("shutdown requested")
	cancel()
	<-tickDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), killTimeout+10*time.Second)
	defer shutdownCancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.WithComponent("noded").Error().Err(err).Msg("error during run manager shutdown")
	}

	shutdownHTTPCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	_ = server.Shutdown(shutdownHTTPCtx)

	return nil
}

// detectCPUSet falls back to every CPU the Go runtime can see when the
// operator hasn't pinned an explicit set, numbered "0".."N-1" to match
// the cpuset cgroup controller's own numbering.
func detectCPUSet() []string {
	n := goruntime.NumCPU()
	set := make([]string, n)
	for i := 0; i < n; i++ {
		set[i] = fmt.Sprintf("%d", i)
	}
	return set
}
