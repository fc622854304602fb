package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"folio/internal/config"
	apphttp "folio/internal/http"
	"folio/internal/integrations/ibja"
	"folio/internal/integrations/kite"
	"folio/internal/integrations/nse"
	"folio/internal/integrations/sheets"
	"folio/internal/integrations/telegram"
	"folio/internal/integrations/webhook"
	"folio/internal/logging"
	"folio/internal/metrics"
	"folio/internal/service/auth"
	"folio/internal/service/broadcast"
	"folio/internal/service/cache"
	"folio/internal/service/fetcher"
	"folio/internal/service/orchestrator"
	"folio/internal/service/scheduler"
	"folio/internal/service/state"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status server and auto-refresh loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(parent context.Context, flags *rootFlags) error {
	defer memguard.Purge()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hours, err := scheduler.NewMarketHours(cfg.MarketTimezone, cfg.MarketOpen, cfg.MarketClose)
	if err != nil {
		return err
	}
	sessions, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	st := state.New(cfg.AccountNames(), state.WithMarketHours(hours.IsOpen))

	kc := kite.NewClient(cfg.KiteAPIURL, cfg.KiteLoginURL, 15*time.Second)
	var notifier auth.Notifier
	if tg := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID); tg.Enabled() {
		notifier = tg
	}
	linkBase := cfg.PublicBaseURL
	if linkBase == "" {
		linkBase = "http://" + cfg.ListenAddr
	}
	coord, err := auth.New(auth.Config{
		Accounts:      cfg.DomainAccounts(),
		Timeout:       cfg.RequestTokenTimeout,
		SessionTTL:    cfg.SessionTTL,
		StateSecret:   cfg.LoginStateSecret,
		LoginLinkBase: linkBase,
	}, kc, sessions, st, notifier, log)
	if err != nil {
		return err
	}
	coord.Revalidate(ctx)

	nc := nse.NewClient(cfg.NSEBaseURL, cfg.ChartBaseURL, cfg.NSETimeout, cfg.NSERequestDelay)
	fetchers := []fetcher.Fetcher{
		fetcher.NewHoldings(kc),
		fetcher.NewSIPs(kc),
		fetcher.NewIndexQuotes(nc, log),
	}
	gold := fetcher.NewGoldRates(ibja.NewClient(cfg.GoldRatesURL, cfg.GoldRatesTimeout), cfg.GoldRatesHours, hours.Location(), log)
	fetchers = append(fetchers, sheetFetchers(ctx, cfg, gold, log)...)

	data := cache.New()
	opts := []orchestrator.Option{orchestrator.WithMetrics(m), orchestrator.WithLogger(log)}
	if wh := webhook.NewClient(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookMaxRetries, cfg.WebhookRetryBase, cfg.WebhookRetryMax); wh.Enabled() {
		opts = append(opts, orchestrator.WithPublisher(wh))
	}
	orch := orchestrator.New(orchestrator.Config{
		Accounts:           cfg.AccountNames(),
		AccountConcurrency: cfg.AccountConcurrency,
	}, fetchers, st, coord, data, opts...)

	hub := broadcast.NewHub(st, cfg.ObserverBuffer, cfg.HeartbeatInterval, m, log)
	go hub.Run(ctx, st.Changes())

	sched := scheduler.New(scheduler.Config{
		Interval:           cfg.AutoRefreshInterval,
		OutsideMarketHours: cfg.AutoRefreshOutsideMarketHours,
		Hours:              hours,
	}, orch, st, scheduler.WithMetrics(m), scheduler.WithLogger(log))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	srv := apphttp.NewServer(cfg, apphttp.Deps{
		Status:    st,
		Refresher: orch,
		Logins:    coord,
		Hub:       hub,
		Data:      data,
		Indices:   cache.NewTTL(cfg.IndexCacheTTL, nc.MarketIndices),
		Metrics:   m,
		Logger:    log,
	})
	servers := []*http.Server{newHTTPServer(cfg.ListenAddr, srv.Router())}
	if cfg.CallbackAddr != "" {
		servers = append(servers, newHTTPServer(cfg.CallbackAddr, srv.CallbackRouter()))
	}
	errCh := make(chan error, len(servers))
	for _, hs := range servers {
		go func() {
			log.Info().Str("addr", hs.Addr).Msg("listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	log.Info().Int("accounts", len(cfg.Accounts)).Int("sources", len(fetchers)).
		Str("callback", cfg.RedirectURL()).Msg("folio started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
		stop()
	}

	<-schedDone
	hub.Close()
	coord.Close()
	orch.Close()
	orch.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", hs.Addr).Msg("graceful shutdown failed")
		}
	}
	st.Close()
	return runErr
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// sheetFetchers registers the enabled spreadsheet sources. A source whose
// client cannot be built is left out and logged.
func sheetFetchers(ctx context.Context, cfg config.Config, gold *fetcher.GoldRates, log zerolog.Logger) []fetcher.Fetcher {
	var out []fetcher.Fetcher
	add := func(name string, sc config.SheetSourceConfig, build func(fetcher.SheetReader, fetcher.SheetConfig) *fetcher.Sheet) {
		if !sc.Enabled {
			return
		}
		client, err := sheets.NewFromCredentialsFile(ctx, sc.CredentialsFile)
		if err != nil {
			log.Error().Err(err).Str("source", name).Msg("spreadsheet source disabled")
			return
		}
		out = append(out, build(client, fetcher.SheetConfig{
			SpreadsheetID: sc.SpreadsheetID,
			RangeName:     sc.RangeName,
			Columns:       sc.Columns,
		}))
	}
	add("physical_assets", cfg.PhysicalAssets, func(r fetcher.SheetReader, c fetcher.SheetConfig) *fetcher.Sheet {
		return fetcher.NewPhysicalAssets(r, c).WithGoldRates(gold)
	})
	add("fixed_deposits", cfg.FixedDeposits, fetcher.NewFixedDeposits)
	return out
}
