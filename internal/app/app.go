// Package app wires configuration, storage, transports and the dispatch
// scheduler into the three commands: run, serve and import.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mailpace/internal/alert"
	"mailpace/internal/config"
	"mailpace/internal/dispatch"
	"mailpace/internal/eventbus"
	"mailpace/internal/identity"
	"mailpace/internal/ledger"
	"mailpace/internal/metrics"
	"mailpace/internal/monitor"
	"mailpace/internal/source"
	"mailpace/internal/storage"
	"mailpace/internal/transport"
	"mailpace/internal/transport/imap"
	"mailpace/internal/transport/smtp"
	logx "mailpace/pkg/logx"
)

var ErrRunInProgress = errors.New("a dispatch run is already in progress")

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Metrics

	// dispatch stack, built on first use so import works without it
	initOnce sync.Once
	initErr  error
	identSt  storage.IdentityStore
	ledgerSt storage.LedgerStore
	pool     *identity.Pool
	ledger   *ledger.Ledger
	sched    *dispatch.Scheduler
	alerts   *alert.Service

	runMu sync.Mutex

	// dial builds the transports; replaced in tests.
	dial func(smtp.Config, imap.Config, logx.Logger) (transport.Sender, transport.Searcher, error)
}

func dialTransports(sc smtp.Config, ic imap.Config, log logx.Logger) (transport.Sender, transport.Searcher, error) {
	sender, err := smtp.New(sc, log.With(logx.String("comp", "smtp")))
	if err != nil {
		return nil, nil, err
	}
	searcher, err := imap.New(ic, log.With(logx.String("comp", "imap")))
	if err != nil {
		return nil, nil, err
	}
	return sender, searcher, nil
}

// New loads the config at cfgPath and sets up logging.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	logs, log := logx.New(mapLogging(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		dial:    dialTransports,
	}, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) ensureDispatch(ctx context.Context) error {
	a.initOnce.Do(func() { a.initErr = a.buildDispatch(ctx) })
	return a.initErr
}

func (a *App) buildDispatch(ctx context.Context) error {
	cfg := a.cfgm.Get()
	root := a.logs.Logger()

	policy, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	quota, err := mapQuota(cfg.Dispatch)
	if err != nil {
		return err
	}
	monCfg, err := mapMonitor(cfg.Probe)
	if err != nil {
		return err
	}
	smtpCfg, err := mapSMTP(cfg.SMTP)
	if err != nil {
		return err
	}
	imapCfg, err := mapIMAP(cfg.IMAP)
	if err != nil {
		return err
	}

	identCfg, err := mapStore("identities", cfg.Identities, defaultIdentitiesPath)
	if err != nil {
		return err
	}
	a.identSt, err = storage.OpenIdentities(identCfg, root.With(logx.String("comp", "storage.identities")))
	if err != nil {
		return fmt.Errorf("open identities: %w", err)
	}
	a.pool, err = identity.Load(ctx, a.identSt,
		identity.WithQuota(quota),
		identity.WithLogger(root.With(logx.String("comp", "identity"))),
	)
	if err != nil {
		return err
	}

	ledgerCfg, err := mapStore("ledger", cfg.Ledger, defaultLedgerPath)
	if err != nil {
		return err
	}
	a.ledgerSt, err = storage.OpenLedger(ledgerCfg, root.With(logx.String("comp", "storage.ledger")))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.ledger, err = ledger.Open(ctx, a.ledgerSt, root.With(logx.String("comp", "ledger")))
	if err != nil {
		return err
	}

	sender, searcher, err := a.dial(smtpCfg, imapCfg, root)
	if err != nil {
		return err
	}
	mon := monitor.New(monCfg, sender, searcher, root.With(logx.String("comp", "monitor")))

	a.sched, err = dispatch.New(dispatch.Deps{
		Pool:    a.pool,
		Ledger:  a.ledger,
		Sender:  sender,
		Checker: mon,
		Bus:     a.bus,
		Log:     root.With(logx.String("comp", "dispatch")),
	}, policy)
	if err != nil {
		return err
	}

	if ac := cfg.Alert; ac != nil && ac.Enabled {
		states, err := alert.ParseStates(ac.States)
		if err != nil {
			return fmt.Errorf("alert.states: %w", err)
		}
		tg, err := alert.NewTelegram(ac.Token, ac.ChatID, ac.ThreadID)
		if err != nil {
			return fmt.Errorf("alert: %w", err)
		}
		a.alerts = alert.New(tg, states, ac.RatePerMinute, root.With(logx.String("comp", "alert")))
	}

	a.metrics.LedgerSize.Set(float64(a.ledger.Len()))
	a.metrics.SetPool(a.pool.Snapshot(), a.pool.Remaining)
	a.log.Info("dispatch ready",
		logx.Int("identities", len(a.pool.Snapshot())),
		logx.Int("ledger_entries", a.ledger.Len()),
		logx.String("identities_driver", identCfg.Driver),
		logx.String("ledger_driver", ledgerCfg.Driver),
	)
	return nil
}

// RunOnce loads recipients from the source named by sourceID and runs the
// scheduler over them. Overlapping calls fail with ErrRunInProgress.
func (a *App) RunOnce(ctx context.Context, sourceID string) (dispatch.Report, error) {
	if !a.runMu.TryLock() {
		return dispatch.Report{}, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	if err := a.ensureDispatch(ctx); err != nil {
		return dispatch.Report{}, err
	}
	kc, err := mapKafka(a.cfgm.Get().Kafka)
	if err != nil {
		return dispatch.Report{}, err
	}
	src, err := source.Open(sourceID, kc)
	if err != nil {
		return dispatch.Report{}, err
	}
	defer src.Close()

	recs, err := src.Recipients(ctx)
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("load recipients from %s: %w", src.Name(), err)
	}
	a.log.Info("recipients loaded", logx.String("source", src.Name()), logx.Int("count", len(recs)))

	ch, unsub := a.bus.Subscribe(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			a.handleEvent(ctx, e)
		}
	}()
	rep, runErr := a.sched.Run(ctx, recs)
	unsub()
	<-done

	a.metrics.LedgerSize.Set(float64(a.ledger.Len()))
	a.metrics.SetPool(a.pool.Snapshot(), a.pool.Remaining)

	if runErr == nil && rep.State == dispatch.StateCompleted {
		if c, ok := src.(source.Committer); ok {
			if err := c.Commit(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("commit source offsets failed", logx.String("source", src.Name()), logx.Err(err))
			}
		}
	}
	return rep, runErr
}

// handleEvent feeds one bus event to metrics and alerts.
func (a *App) handleEvent(ctx context.Context, e eventbus.Event) {
	a.metrics.Observe(e)
	if a.alerts != nil && e.Type != eventbus.TypeOutcome {
		a.alerts.Handle(context.WithoutCancel(ctx), e)
	}
}

// Import moves rows from the configured Postgres table into the import
// output file.
func (a *App) Import(ctx context.Context) (int, error) {
	ic, err := mapImport(a.cfgm.Get().Import)
	if err != nil {
		return 0, err
	}
	im, err := source.NewImporter(ic, a.logs.Logger().With(logx.String("comp", "import")))
	if err != nil {
		return 0, err
	}
	defer im.Close()
	return im.Run(ctx)
}

// Apply re-applies the hot-reloadable parts of cfg.
func (a *App) Apply(cfg *config.Config) error {
	a.logs.Apply(mapLogging(cfg.Logging))
	if a.sched == nil {
		return nil
	}
	policy, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	quota, err := mapQuota(cfg.Dispatch)
	if err != nil {
		return err
	}
	a.sched.Apply(policy)
	a.pool.SetQuota(quota)
	if a.alerts != nil && cfg.Alert != nil {
		if states, err := alert.ParseStates(cfg.Alert.States); err == nil {
			a.alerts.SetStates(states)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.ledgerSt != nil {
		errs = append(errs, a.ledgerSt.Close())
	}
	if a.identSt != nil {
		errs = append(errs, a.identSt.Close())
	}
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}
