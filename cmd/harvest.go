package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/api"
	"github.com/lexcorpus/harvester/internal/config"
	"github.com/lexcorpus/harvester/internal/corpus"
	"github.com/lexcorpus/harvester/internal/creator"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/logging"
	"github.com/lexcorpus/harvester/internal/ocr"
	"github.com/lexcorpus/harvester/internal/progress"
	"github.com/lexcorpus/harvester/internal/progress/sinks"
	"github.com/lexcorpus/harvester/internal/ratelimit"
	"github.com/lexcorpus/harvester/internal/sources/federalcourt"
	"github.com/lexcorpus/harvester/internal/sources/federalregister"
	"github.com/lexcorpus/harvester/internal/sources/highcourt"
	"github.com/lexcorpus/harvester/internal/sources/walegislation"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs a full harvest
// over every enabled source and appends new documents to the corpus.
func newHarvestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Runs a harvest over the enabled sources",
		Long: `Indexes every enabled source, works out which documents are missing
from or stale in the corpus, retrieves them, and appends their plain text to
the corpus file. Progress is logged and exported as Prometheus metrics.`,

		RunE: runHarvest,
	}
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("harvester.yaml"); err == nil {
			path = "harvester.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := corpus.NewStore(cfg.Corpus.Path, logger)
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	cache, err := corpus.NewCache(cfg.Corpus.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	session := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("User-Agent", cfg.Harvest.UserAgent)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
	}, logger)

	pool := ocr.NewPool(cfg.OCR.Workers)
	defer pool.Close()
	var extractor ocr.Extractor
	if len(cfg.OCR.Command) > 0 {
		extractor = ocr.CommandExtractor{Argv: cfg.OCR.Command}
	} else {
		logger.Warn("no ocr command configured, pdf-only documents will be skipped")
	}
	ocrGate := harvest.NewGate(harvest.DefaultOCRGateCapacity)

	scrapers, err := buildScrapers(cfg, scraperDeps{
		session:   session,
		limiter:   limiter,
		pool:      pool,
		extractor: extractor,
		ocrGate:   ocrGate,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("init metrics sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, promSink, sinks.NewLogSink(logger))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("progress hub close", zap.Error(cerr))
		}
	}()

	var ops *http.Server
	if cfg.Server.Enabled {
		ops = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(nil, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", zap.String("addr", ops.Addr))
			if serr := ops.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error("ops server", zap.Error(serr))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := ops.Shutdown(shutCtx); serr != nil {
				logger.Warn("ops server shutdown", zap.Error(serr))
			}
		}()
	}

	c, err := creator.New(creator.Config{
		Store:               store,
		Cache:               cache,
		Emitter:             hub,
		Logger:              logger,
		IndexConcurrency:    cfg.Harvest.IndexConcurrency,
		DocumentConcurrency: cfg.Harvest.DocumentConcurrency,
	}, scrapers...)
	if err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("harvest interrupted")
			return nil
		}
		return fmt.Errorf("harvest: %w", err)
	}

	logger.Info("harvest complete")
	return nil
}

// scraperDeps carries the run-wide collaborators shared by every scraper.
type scraperDeps struct {
	session   *resty.Client
	limiter   *ratelimit.Limiter
	pool      *ocr.Pool
	extractor ocr.Extractor
	ocrGate   harvest.Gate
	logger    *zap.Logger
}

func buildScrapers(cfg config.Config, deps scraperDeps) ([]harvest.Scraper, error) {
	scrapers := make([]harvest.Scraper, 0, len(cfg.Sources.Enabled))
	for _, name := range cfg.Sources.Enabled {
		switch name {
		case "federal_register_of_legislation":
			scrapers = append(scrapers, federalregister.New(federalregister.Config{
				Session:      deps.session,
				Limiter:      deps.limiter,
				OCRPool:      deps.pool,
				OCRExtractor: deps.extractor,
				OCRGate:      deps.ocrGate,
				Logger:       deps.logger,
			}))
		case "federal_court_of_australia":
			scrapers = append(scrapers, federalcourt.New(federalcourt.Config{
				Session:      deps.session,
				Limiter:      deps.limiter,
				OCRPool:      deps.pool,
				OCRExtractor: deps.extractor,
				OCRGate:      deps.ocrGate,
				Logger:       deps.logger,
			}))
		case "western_australian_legislation":
			scrapers = append(scrapers, walegislation.New(walegislation.Config{
				Session: deps.session,
				Limiter: deps.limiter,
				Logger:  deps.logger,
			}))
		case "high_court_of_australia":
			scrapers = append(scrapers, highcourt.New(highcourt.Config{
				Session:      deps.session,
				Limiter:      deps.limiter,
				OCRPool:      deps.pool,
				OCRExtractor: deps.extractor,
				OCRGate:      deps.ocrGate,
				Logger:       deps.logger,
			}))
		default:
			return nil, fmt.Errorf("unknown source %q in sources.enabled", name)
		}
	}
	return scrapers, nil
}
