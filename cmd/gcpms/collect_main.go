package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/archive"
	"github.com/RTX-TreDiX/GCPMS/internal/breakers"
	"github.com/RTX-TreDiX/GCPMS/internal/cache"
	"github.com/RTX-TreDiX/GCPMS/internal/collector"
	"github.com/RTX-TreDiX/GCPMS/internal/config"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
	"github.com/RTX-TreDiX/GCPMS/internal/ratelimit"
	"github.com/RTX-TreDiX/GCPMS/internal/scrape"
	"github.com/RTX-TreDiX/GCPMS/internal/transfer"
)

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the price collector",
		Long: `Loads (or creates) the session key, resets the ledger if the key changed,
then scrapes the four prices every collector.interval and appends each
encrypted sample to the ledger.`,
		RunE: runCollect,
	}
	cmd.Flags().Bool("once", false, "Run a single cycle and exit")
	cmd.Flags().String("metrics-addr", "", "Serve /health and /metrics on this address")
	cmd.Flags().Bool("publish", false, "Upload the ledger to sync.blob_url after every sample")
	return cmd
}

func runCollect(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	publish, _ := cmd.Flags().GetBool("publish")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cfg.Collector.MetricsAddr
	}

	session, err := keys.Load(cfg.Paths.KeyFile)
	if err != nil {
		return fmt.Errorf("session key %s: %w", cfg.Paths.KeyFile, err)
	}

	m := metrics.New(nil)
	l := ledger.New(cfg.Paths.Ledger, cfg.Paths.KeyHash, m)
	reset, err := l.CheckAndReset(session)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(cfg.Collector.RPS, cfg.Collector.Burst)
	breaker := breakers.New("page", cfg.Collector.BreakerTimeout)
	src, err := scrape.New(scrape.Options{
		URL:       cfg.Collector.URL,
		UserAgent: cfg.Collector.UserAgent,
		Timeout:   cfg.Collector.RequestTimeout,
		IDs:       fieldIDs(cfg.Collector.Fields),
		Cache:     cache.NewAuto(cfg.Cache.RedisAddr, cfg.Cache.Prefix),
		CacheTTL:  cfg.Cache.TTL,
		Limiter:   limiter,
		Breaker:   breaker,
	})
	if err != nil {
		return err
	}

	c := collector.New(collector.Config{
		Interval:    cfg.Collector.Interval,
		Attempts:    cfg.Collector.Attempts,
		RetryDelay:  cfg.Collector.RetryDelay,
		PerRecordIV: cfg.Ledger.PerRecordIV,
	}, src, session, l, m)

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Close()
		arch = a
		if reset {
			if _, err := a.Purge(context.Background()); err != nil {
				return err
			}
		}
		c.AddSink("archive", a)
	}
	if publish {
		if cfg.Sync.BlobURL == "" {
			return errors.New("--publish needs sync.blob_url")
		}
		c.AddSink("blob", &transfer.Publisher{Blob: transfer.NewBlob(cfg.Sync.BlobURL, cfg.Sync.BlobKey), Path: l.Path()})
	}

	ctx, stop := signalContext()
	defer stop()

	if metricsAddr != "" {
		srv := metricsServer(metricsAddr, m, healthHandler(c, limiter, breaker, arch))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if once {
		_, err := c.RunCycle(ctx)
		return err
	}
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func fieldIDs(f config.FieldIDs) [len(price.Fields)]string {
	var ids [len(price.Fields)]string
	ids[price.Tether] = f.Tether
	ids[price.USD] = f.USD
	ids[price.Gold] = f.Gold
	ids[price.Coin] = f.Coin
	return ids
}

// collectorHealth is the /health body of a running collector.
type collectorHealth struct {
	Status     string                 `json:"status"`
	State      string                 `json:"state"`
	Breaker    string                 `json:"breaker"`
	RateLimits []ratelimit.HostStatus `json:"rate_limits"`
	Archive    string                 `json:"archive,omitempty"`
}

// healthHandler reports 503 while the page breaker is open or the archive
// does not answer a ping. a may be nil.
func healthHandler(c *collector.Collector, lim *ratelimit.Limiter, br *breakers.Breaker, a *archive.Archive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := collectorHealth{
			Status:     "ok",
			State:      c.State().String(),
			Breaker:    br.State(),
			RateLimits: lim.Hosts(),
		}
		if h.Breaker == "open" {
			h.Status = "degraded"
		}
		if a != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			h.Archive = "ok"
			if err := a.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Archive ping failed")
				h.Archive = "unreachable"
				h.Status = "degraded"
			}
		}

		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(h)
	}
}

func metricsServer(addr string, m *metrics.Registry, health http.HandlerFunc) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", health).Methods(http.MethodGet)

	log.Info().Str("addr", addr).Msg("Serving collector metrics")
	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
