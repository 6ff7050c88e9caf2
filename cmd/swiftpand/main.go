// Command swiftpand is the SwiftPan backend core process: it wires the
// credentials backend, object-store client cache, usage ledger, transfer
// engines, share manager, and background ticker together and runs until
// interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/infrastructure/metrics"
	"github.com/timspizza/swiftpan/internal/background"
	"github.com/timspizza/swiftpan/internal/config"
	"github.com/timspizza/swiftpan/internal/credentials"
	"github.com/timspizza/swiftpan/internal/download"
	"github.com/timspizza/swiftpan/internal/events"
	"github.com/timspizza/swiftpan/internal/objectstore"
	"github.com/timspizza/swiftpan/internal/share"
	"github.com/timspizza/swiftpan/internal/upload"
	"github.com/timspizza/swiftpan/internal/usage"
)

// prebuildTimeout bounds the startup credential-backend/object-store-client
// prebuild so a slow or unreachable endpoint never stalls process start.
const prebuildTimeout = 10 * time.Second

func main() {
	// IMDS guard (spec §4.2): disable ambient cloud-metadata discovery
	// before any HTTP client is constructed.
	os.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	if err := run(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.InitDefault("swiftpand", cfg.Settings.LogLevel, cfg.LogFormat)
	logger := logging.Default()
	m := metrics.Init("swiftpand")

	sink := events.NoopSink{} // replaced by a real UI bridge at the embedding layer

	credBackend, err := credentials.NewBackend(cfg.DataDir)
	if err != nil {
		return err
	}

	ledger, err := usage.NewLedger(nil, cfg.DataDir, m, logger)
	if err != nil {
		return err
	}

	storeCache := objectstore.NewCache(m, logger)
	credBackend.AttachStoreCache(storeCache)

	ctx, cancel := context.WithTimeout(context.Background(), prebuildTimeout)
	store, storeErr := prebuildObjectStore(ctx, credBackend, storeCache)
	cancel()
	if storeErr != nil {
		logger.Warn(context.Background(), "no usable object-store client at startup; engines run without one", map[string]interface{}{"error": storeErr.Error()})
	} else {
		ledger, err = usage.NewLedger(store, cfg.DataDir, m, logger)
		if err != nil {
			return err
		}
		flushCtx, flushCancel := context.WithTimeout(context.Background(), prebuildTimeout)
		if err := ledger.FlushPending(flushCtx); err != nil {
			logger.Warn(flushCtx, "startup usage ledger flush failed", map[string]interface{}{"error": err.Error()})
		}
		flushCancel()
	}

	uploadEngine := upload.NewEngine(store, ledger, sink, m, logger)
	uploadEngine.EnableThumbnails(cfg.Settings.UploadThumbnail)
	downloadEngine := download.NewEngine(store, ledger, sink, m, logger)

	var shareManager *share.Manager
	if store != nil {
		shareManager = share.NewManager(store, cfg.DataDir)
	}
	_ = shareManager

	ticker := background.NewTicker(sink, ledger, logger, uploadEngine, downloadEngine, nowMillis)
	if err := ticker.Start(context.Background()); err != nil {
		return err
	}

	logger.Info(context.Background(), "swiftpand started", map[string]interface{}{"data_dir": cfg.DataDir})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ticker.Stop()
	logger.Info(context.Background(), "swiftpand stopped", nil)
	return nil
}

// prebuildObjectStore builds the object-store client from the persisted
// credential bundle, if any. A missing or invalid bundle is not fatal: the
// process starts anyway with a nil client. The engines keep the client
// returned here; credentials configured later via the credentials backend
// are not handed to them.
func prebuildObjectStore(ctx context.Context, credBackend *credentials.Backend, cache *objectstore.Cache) (*objectstore.Client, error) {
	status, err := credBackend.Status()
	if err != nil {
		return nil, err
	}
	if !status.Configured {
		return nil, nil
	}

	bundle, err := credBackend.Get()
	if err != nil {
		return nil, err
	}

	client, err := cache.Get(objectstore.Config{
		Endpoint:        bundle.Endpoint,
		AccessKeyID:     bundle.AccessKeyID,
		SecretAccessKey: bundle.SecretAccessKey,
		Bucket:          bundle.Bucket,
		Region:          bundle.Region,
	})
	if err != nil {
		return nil, err
	}

	// A cheap connectivity precheck (spec's r2_sanity_check bridge command,
	// abstracted away in spec.md's UI-command table): a bounded ListObjectsV2
	// with max-keys=1 against the bucket root.
	if _, err := client.List(ctx, "", "", "/", 1); err != nil {
		return nil, err
	}

	return client, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
