package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kisekifs/kiseki/internal/logger"
	"github.com/kisekifs/kiseki/internal/telemetry"
	"github.com/kisekifs/kiseki/pkg/chunk"
	"github.com/kisekifs/kiseki/pkg/config"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta/memory"
	"github.com/kisekifs/kiseki/pkg/metrics"
	"github.com/kisekifs/kiseki/pkg/object"
	objmemory "github.com/kisekifs/kiseki/pkg/object/memory"
	"github.com/kisekifs/kiseki/pkg/object/s3"
	"github.com/kisekifs/kiseki/pkg/vfs"

	// Imported for its init() side effect, which registers the
	// Prometheus-backed metrics constructor with pkg/metrics.
	_ "github.com/kisekifs/kiseki/pkg/metrics/prometheus"
)

const (
	metricsShutdownTimeout  = 5 * time.Second
	poolGaugeReportInterval = 10 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring up the data path and keep the process alive",
	Long: `Start constructs the disk page pool, metadata engine, object
store, and upper vfs.DataManager from configuration, then blocks until
an interrupt or terminate signal is received.

This command does not parse FUSE mount flags or implement the broader
CLI surface of a full filesystem client; it exists to exercise the data
path end to end.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "kiseki",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	if telemetry.IsEnabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_rate", cfg.Tracing.SampleRate)
	} else {
		logger.Info("tracing disabled")
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics enabled", "listen_addr", cfg.Metrics.ListenAddr)
	} else {
		logger.Info("metrics disabled")
	}

	pool, err := diskpool.New(cfg.DiskPool.Path, cfg.DiskPool.PageSize.Bytes(), cfg.DiskPool.Capacity.Bytes())
	if err != nil {
		return fmt.Errorf("failed to initialize disk page pool: %w", err)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("disk page pool close error", "error", err)
		}
	}()

	store, err := newObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	engine := memory.New()

	dm := vfs.New(pool, store, engine, vfs.Config{
		Chunk: chunk.Config{
			ChunkSize:      cfg.Chunk.ChunkSize.Bytes(),
			BlockSize:      cfg.Chunk.BlockSize.Bytes(),
			FlushQueueSize: cfg.Flusher.QueueDepth,
		},
		Reader: chunk.ReaderConfig{
			ChunkSize:       cfg.Chunk.ChunkSize.Bytes(),
			BlockSize:       cfg.Chunk.BlockSize.Bytes(),
			ReadAheadWindow: cfg.Flusher.ReadAheadWindow.Bytes(),
		},
	})
	// No FUSE front-end is wired to dm yet; it is constructed here so a
	// future mount command has something to attach to.
	_ = dm

	logger.Info("kiseki data path initialized",
		"disk_pool_id", pool.ID(),
		"disk_pool_pages", pool.TotalCount(),
		"chunk_size", cfg.Chunk.ChunkSize,
		"block_size", cfg.Chunk.BlockSize,
		"object_store", cfg.ObjectStore.Kind,
	)

	go reportPoolGauges(ctx, pool)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("kiseki is running. Press Ctrl+C to stop.")
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received")
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	return nil
}

// reportPoolGauges polls the disk page pool's free/in-use counts into
// pkg/metrics on a fixed interval until ctx is canceled, since Pool
// itself has no metrics dependency of its own.
func reportPoolGauges(ctx context.Context, pool *diskpool.Pool) {
	m := metrics.New()
	if m == nil {
		return
	}
	ticker := time.NewTicker(poolGaugeReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			free := pool.RemainCount()
			total := pool.TotalCount()
			m.SetPoolPagesFree(int(free))
			m.SetPoolPagesInUse(int(total - free))
		case <-ctx.Done():
			return
		}
	}
}

func newObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (object.Store, error) {
	switch cfg.Kind {
	case "s3":
		return s3.NewFromConfig(ctx, s3.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return objmemory.New(), nil
	}
}
