package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"mailpace/internal/config"
	"mailpace/internal/dispatch"
	rtsup "mailpace/internal/runtime/supervisor"
	logx "mailpace/pkg/logx"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const shutdownTimeout = 30 * time.Second

// Serve runs dispatch on the configured schedule and exposes /healthz,
// /status and /metrics until ctx is cancelled. A run in flight is cancelled
// after its current dispatch.
func (a *App) Serve(ctx context.Context) error {
	ss, err := mapServe(a.cfgm.Get().Serve)
	if err != nil {
		return err
	}
	if err := a.ensureDispatch(ctx); err != nil {
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))
	runCtx := sup.Context()

	trigger := func(reason string) {
		rep, err := a.RunOnce(runCtx, ss.Source)
		switch {
		case errors.Is(err, ErrRunInProgress):
			a.log.Warn("previous run still active; skipping", logx.String("trigger", reason))
		case err != nil:
			a.log.Error("scheduled run failed", logx.String("trigger", reason), logx.Err(err))
		default:
			a.log.Info("scheduled run finished", logx.String("trigger", reason), logx.String("state", rep.State.String()))
		}
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(ss.Schedule, func() { trigger("schedule") }); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ss.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sup.Go("http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		}
	})

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPolicy(cfg); err != nil {
			return err
		}
		_, err := mapQuota(cfg.Dispatch)
		return err
	})
	sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 30*time.Second)
	sup.Go("config.apply", a.applyReloads)

	sup.Go("cron", func(ctx context.Context) error {
		c.Start()
		if ss.RunOnStart {
			go trigger("start")
		}
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})

	if ss.Systemd {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.log.Warn("systemd notify failed", logx.Err(err))
		} else if ok {
			a.log.Debug("systemd notified ready")
		}
		if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
			sup.Go("systemd.watchdog", func(ctx context.Context) error {
				t := time.NewTicker(interval / 2)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
						_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
					}
				}
			})
		}
	}

	a.log.Info("serving",
		logx.String("addr", ss.Addr),
		logx.String("schedule", ss.Schedule),
		logx.String("source", ss.Source),
	)

	<-runCtx.Done()
	if ss.Systemd {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}
	a.log.Info("shutting down")

	wctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = sup.Stop(wctx)
	// wait for a run that was in flight to record its final dispatch
	a.runMu.Lock()
	a.runMu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) applyReloads(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			changed, attrs := config.SummarizeChange(last, cfg)
			last = cfg
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
			if restart := config.RequiresRestart(changed); len(restart) > 0 {
				a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(restart, ",")))
			}
			if err := a.Apply(cfg); err != nil {
				a.log.Warn("applying reloaded config failed", logx.Err(err))
			}
		}
	}
}

type statusResponse struct {
	State      string           `json:"state"`
	LastReport *dispatch.Report `json:"last_report,omitempty"`
	Ledger     int              `json:"ledger_entries"`
	Identities []identityStatus `json:"identities"`
}

type identityStatus struct {
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	SentToday int       `json:"sent_today"`
	Remaining int       `json:"remaining"`
	LastReset time.Time `json:"last_reset"`
}

// Router serves the operational endpoints.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, a.status())
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	return r
}

func (a *App) status() statusResponse {
	st := statusResponse{State: dispatch.StateIdle.String(), Identities: []identityStatus{}}
	if a.sched == nil {
		return st
	}
	st.State = a.sched.State().String()
	if rep, ok := a.sched.LastReport(); ok {
		st.LastReport = &rep
	}
	st.Ledger = a.ledger.Len()
	for _, id := range a.pool.Snapshot() {
		st.Identities = append(st.Identities, identityStatus{
			Address:   id.Address,
			Role:      id.Role.String(),
			SentToday: id.SentToday,
			Remaining: a.pool.Remaining(id.Address),
			LastReset: id.LastReset,
		})
	}
	return st
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
