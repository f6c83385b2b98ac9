package common

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/config"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
)

// Runtime holds the process-wide services every command shares
type Runtime struct {
	Config     *config.Config
	Logger     *zap.Logger
	Recorder   *audit.Recorder
	Alerts     *notifications.Dispatcher
	KillSwitch *killswitch.Switch

	closers []func() error
}

// Bootstrap loads the environment file and config, then builds logging, audit sinks,
// alert dispatch and the kill switch
func Bootstrap(ctx context.Context, flags *CommonFlags) (*Runtime, error) {
	if err := config.LoadEnv(*flags.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*flags.ConfigFile)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "logger")
	}
	rt := &Runtime{Config: cfg, Logger: log}
	rt.closers = append(rt.closers, closeLog)

	var sinks []audit.Sink
	if cfg.Audit.JSONLPath != "" {
		sink, err := audit.NewJSONLSink(cfg.Audit.JSONLPath)
		if err != nil {
			rt.Close()
			return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "audit_jsonl")
		}
		sinks = append(sinks, sink)
	}
	if cfg.Audit.SQLitePath != "" {
		sink, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			closeSinks(sinks)
			rt.Close()
			return nil, guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "cmd", "audit_sqlite")
		}
		sinks = append(sinks, sink)
	}
	rt.Recorder = audit.NewRecorder(log, sinks...)

	rt.Alerts = notifications.NewDispatcher(log, cfg.Alerts.Dispatcher)
	if cfg.Alerts.Log {
		rt.Alerts.AddLocal(notifications.NewLogSink(log))
	}
	if cfg.Alerts.Stderr {
		rt.Alerts.AddLocal(notifications.NewStderrSink(os.Stderr))
	}
	if cfg.Alerts.WebhookURL != "" {
		rt.Alerts.AddRemote(notifications.NewWebhookSink(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.TelegramEnabled() {
		rt.Alerts.AddRemote(notifications.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
	}

	rt.KillSwitch, err = killswitch.New(ctx, cfg.KillSwitch.Switch(), nil, rt.Recorder, rt.Alerts, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close drains alerts, then closes audit sinks and the log file
func (r *Runtime) Close() error {
	var err error
	if r.Alerts != nil {
		err = multierr.Append(err, r.Alerts.Close())
	}
	if r.Recorder != nil {
		err = multierr.Append(err, r.Recorder.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	return err
}

// closeSinks closes sinks opened before a later sink failed to open
func closeSinks(sinks []audit.Sink) error {
	var err error
	for _, sink := range sinks {
		err = multierr.Append(err, sink.Close())
	}
	return err
}

// Fail prints err and returns the exit code for its category
func Fail(log *zap.Logger, err error) int {
	if err == nil {
		return guarderrors.ExitOK
	}
	code := guarderrors.ExitCode(err)
	if log != nil {
		log.Error("command failed", zap.Error(err), zap.Int("exit_code", code))
	}
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	return code
}
