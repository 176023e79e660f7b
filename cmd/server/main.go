// Command server runs the OrbitMesh control plane: registry, job store,
// router, dispatcher, work-item processor, timeout monitor, ingest
// handlers, orchestrator, and the WebSocket/REST surfaces in front of them.
// Grounded on the teacher's cmd/server/main.go wiring order (store, then
// queue, then registry, then gateway, then api, then mux, then graceful
// shutdown on signal) — flags become a cobra root command per spec §10's
// ambient-stack choice of cobra for CLI structure, and config.Load() takes
// over the teacher's ad hoc godotenv + flag merge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/orbitmesh/internal/api"
	"github.com/iyulab/orbitmesh/internal/config"
	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/idempotency"
	"github.com/iyulab/orbitmesh/internal/ingest"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/logging"
	"github.com/iyulab/orbitmesh/internal/metrics"
	"github.com/iyulab/orbitmesh/internal/orchestrator"
	"github.com/iyulab/orbitmesh/internal/processor"
	"github.com/iyulab/orbitmesh/internal/progress"
	"github.com/iyulab/orbitmesh/internal/queue"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/router"
	"github.com/iyulab/orbitmesh/internal/timeoutmonitor"
	"github.com/iyulab/orbitmesh/internal/transport"
)

var wssPath string

func main() {
	root := &cobra.Command{
		Use:   "orbitmesh-server",
		Short: "OrbitMesh job control plane",
		RunE:  run,
	}
	root.Flags().StringVar(&wssPath, "wss-path", "/wss", "WebSocket path agents connect to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	store, err := job.NewStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()
	log.Info("job store ready", zap.String("db_type", cfg.DB.Type))

	var redisClient *redis.Client
	var wake *queue.WakeQueue
	var idemStore idempotency.Store = idempotency.New(cfg.IdempotencyTTL)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, pingErr := redisClient.Ping(context.Background()).Result(); pingErr != nil {
			log.Warn("redis ping failed, falling back to in-memory idempotency cache and polling-only dispatch", zap.Error(pingErr))
			redisClient = nil
		} else {
			wake = queue.New(redisClient)
			idemStore = idempotency.Adapter{Redis: idempotency.NewRedisCache(redisClient, cfg.IdempotencyTTL, "")}
			log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg := registry.New(m)
	dlq := deadletter.New()
	prog := progress.New(cfg.ProgressMaxHistory)

	rt := router.New(reg, router.JobStoreCounter{Store: store})
	disp := dispatcher.New(store, reg, rt, cfg.RouterPolicy, m)
	tm := timeoutmonitor.New(cfg.TimeoutMonitor, store, dlq, m, wake, log)
	ih := ingest.New(store, reg, prog, tm, log)
	gw := transport.New(reg, ih, log)

	orch := orchestrator.New(store, idemStore, disp, prog, dlq, wake)
	proc := processor.New(cfg.WorkItemProcessor, store, reg, disp, dlq, wake, log)

	apiHandler := api.New(orch, disp)

	mux := http.NewServeMux()
	mux.HandleFunc(wssPath+"/", func(w http.ResponseWriter, r *http.Request) {
		agentID := strings.TrimPrefix(r.URL.Path, wssPath+"/")
		if agentID == "" {
			http.Error(w, "agent id is required in path", http.StatusBadRequest)
			return
		}
		gw.HandleWebSocket(agentID, w, r)
	})
	mux.HandleFunc("/healthz", apiHandler.HandleHealth)
	mux.HandleFunc("/stats", apiHandler.HandleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			apiHandler.HandleCreateJob(w, r)
		case http.MethodGet:
			apiHandler.HandleListJobs(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
			apiHandler.HandleCancelJob(w, r, strings.TrimSuffix(id, "/"))
			return
		}
		apiHandler.HandleGetJob(w, r, rest)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return tm.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if c, ok := idemStore.(*idempotency.Cache); ok {
					c.Sweep()
				}
			}
		}
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("wss_path", wssPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}

	return g.Wait()
}
