// Command engine runs the project execution engine as a standalone
// daemon: it exposes the streaming hub over HTTP and Prometheus metrics,
// while the engine itself is driven in-process (spec §2, §6).
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"apex-exec/internal/config"
	"apex-exec/internal/execution"
	"apex-exec/internal/logging"
	"apex-exec/internal/metadata"
	"apex-exec/internal/metrics"
	"apex-exec/internal/storage"
	"apex-exec/internal/streaming"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		log.Fatal("invalid engine configuration", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	tokenSecret := []byte(firstNonEmptyEnvString("APEX_EXEC_RESUME_TOKEN_SECRET", "development-only-secret-change-me"))
	hub := streaming.NewHub(log, streaming.NewTokenSigner(tokenSecret, 15*time.Minute))
	go hub.Run()

	provider := metadata.NewInMemoryProvider()
	store := storage.NewFilesystemStore(os.Getenv("APEX_EXEC_ARTIFACT_ROOT"))

	var runtime execution.ContainerRuntime
	var mounter execution.PackageCacheMounter
	if cfg.EnableSandbox {
		dockerRuntime, err := execution.NewDockerContainerRuntime(log)
		if err != nil {
			log.Fatal("failed to initialize container runtime", zap.Error(err))
		}
		runtime = dockerRuntime
		mounter = execution.NewDockerPackageCacheMounter(runtime)
	}

	driver := execution.NewSandboxDriver(runtime, cfg.SandboxImages, cfg.EnableSandbox, hub, log)
	dispatcher := execution.NewTierDispatcher(cfg.TieredExecution, driver, mounter, log)

	engine := execution.NewEngine(
		execution.EngineConfig{
			WorkingDirectory:      cfg.WorkingDirectory,
			DefaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
			ValidatorConfig: execution.ValidatorConfig{
				BlockedFileExtensions: cfg.BlockedFileExtensions,
				MaxProjectSizeBytes:   cfg.MaxProjectSizeBytes,
			},
			EnableSandbox: cfg.EnableSandbox,
		},
		provider,
		store,
		mounter,
		dispatcher.Dispatch,
		driver.RunBuildStep,
		hub,
		log,
	)
	log.Info("engine ready", zap.Int("active_executions", engine.ActiveExecutionCount()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stream", hub.ServeHTTP)
	mux.HandleFunc("/stream/token", func(w http.ResponseWriter, r *http.Request) {
		executionID := r.URL.Query().Get("executionId")
		if executionID == "" {
			http.Error(w, "executionId is required", http.StatusBadRequest)
			return
		}
		token, err := hub.IssueResumeToken(executionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(token))
	})

	addr := ":" + firstNonEmptyEnv("APEX_EXEC_HEALTH_PORT", "8090")
	log.Info("execution engine listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("engine server exited", zap.Error(err))
	}
}

func firstNonEmptyEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			return v
		}
	}
	return fallback
}

func firstNonEmptyEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
