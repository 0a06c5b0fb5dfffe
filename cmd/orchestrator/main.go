package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/alerts"
	"github.com/sentineltrading/orchestrator/internal/breaker"
	"github.com/sentineltrading/orchestrator/internal/config"
	"github.com/sentineltrading/orchestrator/internal/decision"
	"github.com/sentineltrading/orchestrator/internal/executor"
	"github.com/sentineltrading/orchestrator/internal/exits"
	"github.com/sentineltrading/orchestrator/internal/gates"
	"github.com/sentineltrading/orchestrator/internal/killswitch"
	"github.com/sentineltrading/orchestrator/internal/ledger"
	"github.com/sentineltrading/orchestrator/internal/observ"
	"github.com/sentineltrading/orchestrator/internal/outbox"
	"github.com/sentineltrading/orchestrator/internal/recovery"
	"github.com/sentineltrading/orchestrator/internal/scanner"
)

func main() {
	var cfgPath string
	var oneShot bool
	var venue, env string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&oneShot, "oneshot", false, "run one scan cycle and exit")
	flag.StringVar(&venue, "venue", "", "venue override (e.g. paperbroker)")
	flag.StringVar(&env, "env", "", "environment override (paper|live)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if venue != "" {
		cfg.Scope.Venue = venue
	}
	if env != "" {
		cfg.Scope.Environment = env
	}

	scope := ledger.Scope{Venue: cfg.Scope.Venue, Environment: cfg.Scope.Environment}
	observ.Log("startup", map[string]any{
		"scope":       scope.ID(),
		"instruments": cfg.Scanner.Instruments,
		"interval_s":  cfg.Scanner.IntervalSec,
		"oneshot":     oneShot,
	})

	// Notifications fan out to whatever channels are configured;
	// everything degrades to log-only when none are.
	var slack *alerts.SlackClient
	if cfg.Notifications.SlackWebhookURL != "" {
		slack = alerts.NewSlackClient(cfg.Notifications.SlackWebhookURL)
		observ.Log("slack_init", map[string]any{"webhook_configured": true})
	}
	var telegram *alerts.TelegramClient
	if cfg.Notifications.TelegramToken != "" && cfg.Notifications.TelegramChatID != "" {
		telegram = alerts.NewTelegramClient(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
		observ.Log("telegram_init", map[string]any{"chat_id": cfg.Notifications.TelegramChatID})
	}
	notifier := alerts.NewNotifier(slack, telegram)
	defer notifier.Close()

	if err := os.MkdirAll(cfg.Ledger.Dir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	store, err := ledger.Open(cfg.Ledger.Dir, scope, cfg.Ledger.StartCapital)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer store.Close()
	observ.Log("ledger_init", map[string]any{
		"scope": scope.ID(), "dir": cfg.Ledger.Dir, "start_capital": cfg.Ledger.StartCapital,
	})

	feed := newFeed(cfg)

	brk, err := breaker.New(cfg.Breaker.StatePath, breaker.Config{
		DailyPct:      cfg.Breaker.DailyPct,
		WeeklyPct:     cfg.Breaker.WeeklyPct,
		WeeklyMinDays: cfg.Breaker.WeeklyMinDays,
	}, store, feed, notifier)
	if err != nil {
		log.Fatalf("init circuit breaker: %v", err)
	}
	observ.Log("breaker_init", map[string]any{
		"daily_pct": cfg.Breaker.DailyPct, "weekly_pct": cfg.Breaker.WeeklyPct,
		"tripped": brk.State().Tripped,
	})

	kill, err := killswitch.New(killswitch.Config{
		StatePath:    cfg.KillSwitch.StatePath,
		SentinelPath: cfg.KillSwitch.SentinelPath,
		BlockExits:   cfg.KillSwitch.BlockExits,
	}, notifier)
	if err != nil {
		log.Fatalf("init kill switch: %v", err)
	}
	observ.Log("killswitch_init", map[string]any{
		"active": kill.Active(), "sentinel": cfg.KillSwitch.SentinelPath,
		"block_exits": cfg.KillSwitch.BlockExits,
	})

	svc := decision.NewSimService()
	validator := decision.NewValidator(decision.ValidatorConfig{
		MinConfidence: cfg.Scanner.MinConfidence,
		FlipWindow:    time.Duration(cfg.Scanner.FlipWindowMin) * time.Minute,
	}, store)

	chain := newGateChain(cfg, feed)

	scn := scanner.New(scanner.Config{
		Instruments: cfg.Scanner.Instruments,
		MaxWorkers:  cfg.Scanner.MaxWorkers,
		TopN:        cfg.Scanner.TopN,
		ServiceRPM:  cfg.Scanner.ServiceRPM,
		Retry:       recovery.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: true},
	}, chain, feed, svc, validator, notifier)

	audit, err := outbox.New(filepath.Join(cfg.Ledger.Dir, "orders_"+strings.ReplaceAll(scope.ID(), ":", "_")+".jsonl"))
	if err != nil {
		log.Fatalf("open order audit: %v", err)
	}

	venueAdapter := adapters.NewSimVenue()
	exec := executor.New(executor.Config{
		FillPollInterval: time.Duration(cfg.Executor.FillPollSec) * time.Second,
		FillTimeout:      time.Duration(cfg.Executor.FillTimeoutSec) * time.Second,
		RecoveryAttempts: cfg.Executor.RecoveryAttempts,
		RiskFraction:     cfg.Ledger.RiskFraction,
		MaxPositionUSD:   cfg.Ledger.MaxPositionUSD,
	}, store, venueAdapter, audit, brk, kill, notifier)

	timeExit, _ := config.ParseClock(cfg.Exits.TimeExit)
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Fatalf("load venue timezone: %v", err)
	}
	supervisor := exits.NewSupervisor(exits.Config{
		StopLossPct:      cfg.Exits.StopLossPct,
		ProfitTiersPct:   cfg.Exits.ProfitTiersPct,
		TrailActivatePct: cfg.Exits.TrailActivatePct,
		TrailDistancePct: cfg.Exits.TrailDistancePct,
		TimeExit:         timeExit,
		WarningMinutes:   cfg.Exits.WarningMinutes,
		Location:         loc,
	}, store, feed, exec, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
	observ.Log("metrics_listen", map[string]any{"addr": addr})
	go func() { _ = http.ListenAndServe(addr, mux) }()

	if oneShot {
		runCycle(ctx, store, brk, kill, scn, exec)
		supervisor.RunOnce(ctx)
		sendSummary(store, notifier)
		return
	}

	// Exits run on their own, tighter interval: a stop-loss must not
	// wait for the next scan.
	go supervisor.Run(ctx, time.Duration(cfg.Exits.IntervalSec)*time.Second)

	ticker := time.NewTicker(time.Duration(cfg.Scanner.IntervalSec) * time.Second)
	defer ticker.Stop()
	runCycle(ctx, store, brk, kill, scn, exec)
	for {
		select {
		case <-ctx.Done():
			observ.Log("shutdown", map[string]any{"reason": "signal"})
			sendSummary(store, notifier)
			return
		case <-ticker.C:
			runCycle(ctx, store, brk, kill, scn, exec)
		}
	}
}

// runCycle is one scan-decide-execute pass. The breaker and kill
// switch are consulted before any entry leaves the building; exits are
// the supervisor's business and keep running regardless.
func runCycle(ctx context.Context, store *ledger.Store, brk *breaker.Breaker,
	kill *killswitch.Switch, scn *scanner.Scanner, exec *executor.Executor) {
	start := time.Now()
	observ.IncCounter("cycles_total", nil)

	if err := store.RollAnchors(); err != nil {
		observ.Log("anchor_roll_error", map[string]any{"error": err.Error()})
	}
	state, err := brk.Check(ctx)
	if err != nil {
		observ.Log("breaker_check_error", map[string]any{"error": err.Error()})
	}

	report := scn.Scan(ctx)

	switch {
	case kill.Active() && !kill.MonitorOnly():
		observ.Log("entries_suppressed", map[string]any{"cause": "kill_switch"})
	case state.Tripped:
		observ.Log("entries_suppressed", map[string]any{
			"cause": "circuit_breaker", "window": state.Window,
		})
	default:
		for _, w := range report.Winners {
			res, err := exec.ExecuteEntry(ctx, w.Verdict, w.Snapshot)
			if err != nil {
				observ.Log("entry_failed", map[string]any{
					"instrument": w.Verdict.Instrument, "error": err.Error(),
				})
				continue
			}
			observ.Log("entry_done", map[string]any{
				"instrument": w.Verdict.Instrument, "order_id": res.OrderID,
				"filled": res.Filled, "partial": res.Partial, "score": w.Score,
			})
		}
	}
	observ.RecordDuration("cycle_total_duration", start, nil)
}

func newFeed(cfg config.Root) adapters.MarketData {
	if cfg.Feed.BaseURL == "" {
		observ.Log("feed_init", map[string]any{"adapter": "sim"})
		return adapters.NewSimFeed()
	}
	observ.Log("feed_init", map[string]any{"adapter": "http", "base_url": cfg.Feed.BaseURL})
	return adapters.NewHTTPFeed(adapters.HTTPFeedConfig{
		BaseURL:           cfg.Feed.BaseURL,
		RequestsPerMinute: cfg.Feed.RPM,
		TimeoutMs:         cfg.Feed.TimeoutMs,
		CacheTTLSec:       cfg.Feed.CacheTTLSec,
		StaleCeilingSec:   cfg.Feed.StaleCeilingSec,
	})
}

func newGateChain(cfg config.Root, feed adapters.MarketData) *gates.Chain {
	var providers []gates.Provider

	if cfg.Gates.Calendar.Enabled {
		cal, err := gates.NewCalendarGate(gates.CalendarConfig{
			FailClosed: cfg.Gates.Calendar.FailClosed,
		})
		if err != nil {
			log.Fatalf("init calendar gate: %v", err)
		}
		providers = append(providers, gates.Cached(cal, time.Duration(cfg.Gates.Calendar.TTLSec)*time.Second))
	}
	if cfg.Gates.Volatility.Enabled {
		vol := gates.NewVolatilityGate(feed, cfg.Gates.Volatility.Threshold, cfg.Gates.Volatility.FailClosed)
		providers = append(providers, gates.Cached(vol, time.Duration(cfg.Gates.Volatility.TTLSec)*time.Second))
	}
	if cfg.Gates.PreEvent.Enabled {
		pre := gates.NewPreEventGate(gates.NewStaticEvents(),
			time.Duration(cfg.Gates.PreEventHours)*time.Hour, cfg.Gates.PreEvent.FailClosed)
		providers = append(providers, gates.Cached(pre, time.Duration(cfg.Gates.PreEvent.TTLSec)*time.Second))
	}
	if cfg.Gates.Freshness.Enabled {
		// Fail-closed unless the operator explicitly opens it: the
		// freshness gate exists to keep decisions off dead data.
		fresh := gates.NewFreshnessGate(feed, !cfg.Gates.Freshness.FailOpen)
		providers = append(providers, gates.Cached(fresh, time.Duration(cfg.Gates.Freshness.TTLSec)*time.Second))
	}

	observ.Log("gates_init", map[string]any{"count": len(providers)})
	return gates.NewChain(providers...)
}

func sendSummary(store *ledger.Store, notifier *alerts.Notifier) {
	pnl, _, err := store.DailyPnL()
	if err != nil {
		observ.Log("summary_error", map[string]any{"error": err.Error()})
		return
	}
	snap, err := store.Snapshot()
	if err != nil {
		observ.Log("summary_error", map[string]any{"error": err.Error()})
		return
	}
	notifier.DailySummary(snap.Scope, snap.Capital.Current, pnl, len(snap.Trades))
}
