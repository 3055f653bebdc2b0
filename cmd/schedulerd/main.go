// Command schedulerd runs a fair-share scheduler over a fleet of synthetic
// computers and exposes its status over HTTP, generalizing the orchestrator
// binary this repository's worker-pool design is adapted from.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steelpool/compsched/internal/obslog"
	"github.com/steelpool/compsched/internal/vmstub"
	"github.com/steelpool/compsched/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "schedulerd",
		Short: "Run a fair-share scheduler over a fleet of synthetic computers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.Int("workers", 4, "fixed size of the worker pool")
	flags.Int("computers", 8, "number of synthetic computers to admit")
	flags.Int("port", 8080, "HTTP listen port for /status, /healthz, /debug/abort")
	flags.Duration("timeout", 2*time.Second, "per-slice soft-abort timeout")
	flags.Duration("abort-timeout", time.Second, "hard-abort escalation window")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "emit structured JSON logs instead of text")
	flags.String("config", "", "path to a YAML config file overriding scheduler tunables")

	v.BindPFlags(flags)
	v.SetEnvPrefix("SCHEDULERD")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	logCfg := obslog.DefaultConfig()
	logCfg.Level = v.GetString("log-level")
	logCfg.UseJSON = v.GetBool("log-json")
	if err := obslog.Configure(logCfg); err != nil {
		return fmt.Errorf("schedulerd: configure logging: %w", err)
	}
	log := obslog.Component("schedulerd")

	cfg := scheduler.DefaultConfig()
	cfg.Workers = v.GetInt("workers")
	cfg.Timeout = v.GetDuration("timeout")
	cfg.AbortTimeout = v.GetDuration("abort-timeout")
	if path := v.GetString("config"); path != "" {
		loaded, err := scheduler.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("schedulerd: %w", err)
		}
		cfg = loaded
	}

	opts := []scheduler.Option{scheduler.WithLogger(log)}
	if cfg.DisableReports {
		opts = append(opts, scheduler.WithReportsDisabled())
	}
	if cfg.ReportDebounce > 0 {
		opts = append(opts, scheduler.WithReportDebounce(cfg.ReportDebounce))
	}

	sched, err := scheduler.New(cfg.Workers, opts...)
	if err != nil {
		return fmt.Errorf("schedulerd: create scheduler: %w", err)
	}

	fleet := newFleet(sched, v.GetInt("computers"), cfg.Timeout, cfg.AbortTimeout)

	sched.Start()
	defer sched.Close()
	fleet.queueAll()
	log.Infof("scheduler started: workers=%d computers=%d", cfg.Workers, len(fleet.computers))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/status", handleStatus(sched))
	mux.HandleFunc("/debug/abort", handleDebugAbort(fleet))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", v.GetInt("port")),
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http server shutdown: %v", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Errorf("scheduler shutdown: %v", err)
		}
	}()

	log.Infof("schedulerd listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("schedulerd: http server failed: %w", err)
	}
	return nil
}

// fleet owns the synthetic computers schedulerd admits, so /debug/abort can
// look one up by ID without reaching into the scheduler's internals.
type fleet struct {
	sched *scheduler.Scheduler

	mu        sync.Mutex
	computers map[uint64]*vmstub.Computer
}

func newFleet(sched *scheduler.Scheduler, n int, timeout, abortTimeout time.Duration) *fleet {
	f := &fleet{sched: sched, computers: make(map[uint64]*vmstub.Computer, n)}
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		f.computers[id] = vmstub.New(id, timeout, abortTimeout).WithWork(int64(5 + i%3))
	}
	return f
}

func (f *fleet) queueAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.computers {
		_ = f.sched.Queue(c)
	}
}

func (f *fleet) find(id uint64) (*vmstub.Computer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.computers[id]
	return c, ok
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func handleStatus(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := sched.Stats()
		body := map[string]interface{}{
			"workers":             stats.Workers,
			"queue_depth":         stats.QueueDepth,
			"idle_workers":        stats.IdleWorkers,
			"minimum_vruntime_ns": stats.MinimumVRuntimeNs,
			"has_pending_work":    stats.HasPendingWork,
			"recent_reports":      sched.RecentReports(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}
}

// handleDebugAbort drives a computer's hard-abort path on demand, for
// exercising the timeout ladder without waiting on a genuinely wedged guest.
func handleDebugAbort(f *fleet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		idParam := r.URL.Query().Get("computer")
		var id uint64
		if _, err := fmt.Sscanf(idParam, "%d", &id); err != nil {
			http.Error(w, "computer query param must be a numeric id", http.StatusBadRequest)
			return
		}
		c, ok := f.find(id)
		if !ok {
			http.Error(w, "computer not found", http.StatusNotFound)
			return
		}
		c.Abort()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "computer %d aborted\n", id)
	}
}
