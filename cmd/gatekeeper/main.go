package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/cmd/common"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/pipeline"
	"github.com/ducminhle1904/trade-guard/pkg/reporting"
)

func main() {
	flags := common.RegisterCommonFlags(nil)
	quiet := flag.Bool("quiet", false, "Do not print per-batch tables")
	flag.Parse()

	if *flags.Version {
		common.PrintVersion("gatekeeper")
		return
	}
	os.Exit(run(flags, *quiet))
}

func run(flags *common.CommonFlags, quiet bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := common.Bootstrap(ctx, flags)
	if err != nil {
		return common.Fail(nil, err)
	}
	defer rt.Close()
	log := rt.Logger

	fmt.Println("🛡️  Trade Guard starting...")

	sess, err := newSession(ctx, rt)
	if err != nil {
		return common.Fail(log, err)
	}
	console := reporting.NewConsoleReporter(os.Stdout)
	console.PrintEnvironment(sess.guard.Environment())

	if rt.Config.Monitoring.Enabled {
		srv := startMonitoring(rt.Config.Monitoring.Addr, sess.pipeline, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := sess.pipeline.Start(ctx); err != nil {
		var halted *pipeline.KillSwitchHaltError
		if errors.As(err, &halted) {
			console.PrintKillSwitchState(rt.KillSwitch.State())
		}
		return common.Fail(log, err)
	}

	if interval := rt.Config.Session.MonitorInterval; interval > 0 {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go sess.watch(watchCtx, interval)
	}

	runErr := sess.replay(ctx, console, quiet)
	if ctx.Err() != nil {
		fmt.Println("\n🛑 Shutdown signal received...")
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	finishErr := sess.pipeline.Finish(finishCtx)
	if err := sess.exportShadowLog(); err != nil {
		log.Warn("failed to export shadow order log", zap.Error(err))
	}

	console.PrintStatus(sess.pipeline.Status())
	if runErr == nil {
		runErr = finishErr
	}
	if runErr == nil && sess.blocked != nil {
		runErr = sess.blocked
	}
	if runErr != nil {
		return common.Fail(log, runErr)
	}
	fmt.Println("✅ Session finished")
	return guarderrors.ExitOK
}

func startMonitoring(addr string, p *pipeline.Pipeline, log *zap.Logger) *http.Server {
	health := monitoring.NewHealthChecker(p)
	mux := http.NewServeMux()
	mux.Handle("/status", health)
	mux.Handle("/health", health.HealthHandler())
	mux.Handle("/metrics", monitoring.NewMetricsHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("monitoring server stopped", zap.Error(err))
		}
	}()
	log.Info("monitoring listening", zap.String("addr", addr))
	return srv
}
