package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/alerting"
	"pricewatch/internal/api"
	"pricewatch/internal/config"
	"pricewatch/internal/dispatch"
	"pricewatch/internal/journal"
	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/poller"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  model.Clock
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Clock:  model.SystemClock,
	}
}

func (a *App) newLookup() lookup.Client {
	cfg := a.Config.Lookup
	retry := lookup.DefaultRetryPolicy()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.Backoff > 0 {
		retry.Backoff = cfg.Backoff
	}

	if cfg.Backend == "page" {
		return lookup.NewPageClient(lookup.PageOptions{
			AttemptTimeout:    cfg.AttemptTimeout,
			UserAgent:         cfg.UserAgent,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Retry:             retry,
		}, a.Logger)
	}
	return lookup.NewRakuten(lookup.RakutenOptions{
		BaseURL:           cfg.BaseURL,
		AppID:             cfg.AppID,
		AttemptTimeout:    cfg.AttemptTimeout,
		UserAgent:         cfg.UserAgent,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Retry:             retry,
	}, a.Logger)
}

func (a *App) newSender() alerting.Sender {
	cfg := a.Config.Alerting
	switch strings.ToLower(cfg.Channel) {
	case "smtp":
		return alerting.NewSMTPSender(alerting.SMTPOptions{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, a.Logger)
	case "telegram":
		return alerting.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.APIBase, a.Config.Dispatch.SendTimeout, a.Logger)
	default:
		return alerting.NewLogSender(a.Logger)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newJournal(store storage.EventStore) *journal.Journal {
	return journal.New(store, journal.Options{DedupWindow: a.Config.Journal.DedupWindow}, a.Logger)
}

// engineStore is everything the engine reads and writes.
type engineStore interface {
	storage.Repository
	storage.AdvisoryLocker
}

func (a *App) newEngine(store engineStore, client lookup.Client, sender alerting.Sender) *service.Engine {
	j := a.newJournal(store)

	p := poller.New(store, client, j, poller.Options{
		Workers:     a.Config.Poller.Workers,
		ItemDelay:   a.Config.Poller.ItemDelay,
		ItemTimeout: a.Config.Poller.ItemTimeout,
		Clock:       a.Clock,
	}, a.Logger)

	d := dispatch.New(j, store, sender, dispatch.Options{
		Workers:       a.Config.Dispatch.Workers,
		SendTimeout:   a.Config.Dispatch.SendTimeout,
		Location:      a.Config.Location(),
		SubjectPrefix: a.Config.App.Name,
		Clock:         a.Clock,
	}, a.Logger)

	sched := a.Config.Scheduler
	return service.New(p, d, store, service.Options{
		Poll: scheduler.Options{
			Name:           "poll",
			Interval:       sched.PollInterval,
			AlignToStart:   sched.AlignToInterval,
			StartupDelay:   sched.StartupDelay,
			RunImmediately: true,
		},
		Dispatch: scheduler.Options{
			Name:         "dispatch",
			Interval:     sched.DispatchInterval,
			AlignToStart: true,
			StartupDelay: sched.StartupDelay,
		},
		LockKey: sched.AdvisoryLockKey,
	}, a.Logger)
}

// Run executes the long-running engine and, when enabled, the ops API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := a.newEngine(store, a.newLookup(), a.newSender())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if a.Config.HTTP.Enabled {
		srv := &http.Server{
			Addr:              a.Config.HTTP.Addr,
			Handler:           api.NewRouter(engine, store, a.Logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("ops api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().Msg("starting monitoring engine")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring engine stopped")
	return nil
}

// Poll runs a single polling cycle and returns its report.
func (a *App) Poll(ctx context.Context) (poller.Report, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return poller.Report{}, err
	}
	defer closeStore()

	return a.newEngine(store, a.newLookup(), a.newSender()).RunPollingCycle(ctx)
}

// Dispatch runs a single dispatch cycle and returns its report.
func (a *App) Dispatch(ctx context.Context) (dispatch.Report, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return dispatch.Report{}, err
	}
	defer closeStore()

	return a.newEngine(store, a.newLookup(), a.newSender()).RunDispatchCycle(ctx)
}

// ExportOptions hold parameters for exporting an item's observation history.
type ExportOptions struct {
	ItemID    int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
