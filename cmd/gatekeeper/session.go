package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/cmd/common"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/exchange/bybit"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/internal/invariants"
	"github.com/ducminhle1904/trade-guard/internal/pipeline"
	"github.com/ducminhle1904/trade-guard/internal/portfolio"
	"github.com/ducminhle1904/trade-guard/internal/risk"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/reporting"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// session wires one runner session from the loaded runtime
type session struct {
	rt       *common.Runtime
	guard    *safety.Guard
	shadow   *executor.ShadowExecutor
	ledger   *portfolio.Ledger
	prices   types.PriceSource
	risk     *risk.Evaluator
	pipeline *pipeline.Pipeline
	log      *zap.Logger

	blocked error // last guard or risk denial, reported through the exit code
}

func newSession(ctx context.Context, rt *common.Runtime) (*session, error) {
	cfg := rt.Config
	log := rt.Logger
	s := &session{rt: rt, log: log}

	for symbol, price := range cfg.Executor.ReferencePrices {
		if !price.IsPositive() {
			if _, err := rt.KillSwitch.ReportDataAnomaly(ctx, fmt.Sprintf("reference price for %s is %s", symbol, price)); err != nil {
				log.Warn("failed to persist data anomaly trigger", zap.Error(err))
			}
		}
	}
	prices := types.NewStaticPrices(cfg.Executor.ReferencePrices)
	s.prices = prices

	checker := invariants.NewChecker(cfg.Invariants)
	ledger, found, err := loadLedger(cfg.Session.SnapshotPath, checker)
	if err != nil {
		return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "load_ledger")
	}
	if !found {
		ledger = portfolio.NewLedger(cfg.Session.StartingCash, checker)
	} else {
		log.Info("resumed ledger snapshot", zap.String("path", cfg.Session.SnapshotPath))
	}
	s.ledger = ledger

	s.shadow = executor.NewShadowExecutor(prices, cfg.Executor.Fill)
	set := executor.Set{
		Paper:  executor.NewPaperExecutor(prices, cfg.Executor.Fill),
		Shadow: s.shadow,
		Live:   executor.NewLiveExecutor(),
	}
	if cfg.Environment.Mode == environment.ModeTestnet {
		validator, err := bybit.NewTestnetValidator(cfg.Bybit.Client, cfg.Bybit.ValidateOnlyOptions(), log)
		if err != nil {
			return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "bybit_client")
		}
		set.Testnet, err = executor.NewTestnetExecutor(validator, cfg.Executor.Testnet.Options(), log)
		if err != nil {
			return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "testnet_executor")
		}
	}

	s.guard = safety.NewGuard(cfg.Environment, rt.Recorder, log)
	s.risk = risk.NewEvaluator(cfg.LiveRisk.Risk(), ledger, prices, rt.Recorder, rt.Alerts, log)
	s.pipeline, err = pipeline.New(pipeline.Deps{
		Guard:           s.guard,
		Validator:       safety.NewValidator(),
		Risk:            s.risk,
		KillSwitch:      rt.KillSwitch,
		Executors:       set,
		Ledger:          ledger,
		Recorder:        rt.Recorder,
		Logger:          log,
		ExecutorTimeout: cfg.Executor.Timeout,
		SnapshotPath:    cfg.Session.SnapshotPath,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadLedger(path string, checker *invariants.Checker) (*portfolio.Ledger, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	return portfolio.LoadLedger(path, checker)
}

// replay runs the configured order feed through the pipeline batch by batch. It stops
// at the first session-fatal error or when ctx is cancelled.
func (s *session) replay(ctx context.Context, console *reporting.ConsoleReporter, quiet bool) error {
	cfg := s.rt.Config
	if cfg.Session.OrdersFile == "" {
		s.log.Info("no order feed configured")
		return nil
	}

	orders, invalid, err := common.ReadOrders(cfg.Session.OrdersFile)
	if err != nil {
		return guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "read_orders")
	}
	for _, fe := range invalid {
		s.log.Warn("skipping undecodable order", zap.Int("line", fe.Line), zap.Error(fe.Err))
		if _, err := s.rt.KillSwitch.ReportDataAnomaly(ctx, fe.Error()); err != nil {
			s.log.Warn("failed to persist data anomaly trigger", zap.Error(err))
		}
	}

	batches := common.Batches(orders, cfg.Session.BatchSize)
	s.log.Info("replaying order feed",
		zap.String("file", cfg.Session.OrdersFile),
		zap.Int("orders", len(orders)),
		zap.Int("batches", len(batches)))

	for i, batch := range batches {
		if ctx.Err() != nil {
			return nil
		}
		result, err := s.pipeline.ExecuteWithSafety(ctx, batch)
		if result != nil {
			if !quiet {
				console.PrintBatchSummary(result)
			}
			switch {
			case result.Guard.Err != nil:
				s.blocked = result.Guard.Err
			case result.Risk.Blocks():
				s.blocked = guarderrors.New(guarderrors.ErrorCategoryRisk, risk.Component, "check_orders", result.Risk.Reason())
			}
		}
		if err == nil {
			err = s.monitorPortfolio(ctx)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Error("batch failed", zap.Int("batch", i+1), zap.Error(err))
			return err
		}
	}
	return nil
}

// monitorPortfolio marks positions to the reference prices and applies the portfolio
// limits with no pending orders. A violation counts toward the kill switch; a clean
// check leaves the count alone. It returns *pipeline.KillSwitchHaltError once the
// switch is halted.
func (s *session) monitorPortfolio(ctx context.Context) error {
	s.ledger.MarkToMarket(s.prices)
	result := s.risk.EvaluatePortfolio(ctx, s.ledger.Snapshot())
	if result.Allowed {
		return nil
	}

	if _, err := s.rt.KillSwitch.RecordRiskCheck(ctx, true, result.Enforced); err != nil {
		s.log.Error("kill switch failed to persist risk trigger", zap.Error(err))
	}
	if d := s.rt.KillSwitch.Check(ctx); !d.Allowed {
		return &pipeline.KillSwitchHaltError{Status: d.Status, TriggerReason: d.TriggerReason}
	}
	return nil
}

// watch runs monitorPortfolio every interval until ctx ends or the switch halts
func (s *session) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.monitorPortfolio(ctx); err != nil {
				s.log.Error("portfolio monitor halted", zap.Error(err))
				return
			}
		}
	}
}

// exportShadowLog writes the shadow executor's log when it recorded anything
func (s *session) exportShadowLog() error {
	if s.shadow.Len() == 0 {
		return nil
	}
	path := s.rt.Config.Session.ShadowExport
	if path == "" {
		path = reporting.DefaultShadowExportPath(s.rt.Config.Session.Name, time.Now())
	}
	if err := reporting.WriteShadowOrders(s.shadow.Log(), path); err != nil {
		return err
	}
	s.log.Info("shadow order log exported", zap.String("path", path), zap.Int("orders", s.shadow.Len()))
	return nil
}
