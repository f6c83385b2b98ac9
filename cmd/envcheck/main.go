package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ducminhle1904/trade-guard/cmd/common"
	"github.com/ducminhle1904/trade-guard/internal/config"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/reporting"
)

// envcheck resolves the execution environment a config would run under and runs the
// same guard the pipeline uses, without starting a session. It exits 0 when the
// result matches expectations and 6 otherwise.
func main() {
	flags := common.RegisterCommonFlags(nil)
	expectLive := flag.Bool("expect-live", false, "Succeed only when the config resolves to live execution")
	asJSON := flag.Bool("json", false, "Print the decision as JSON")
	flag.Parse()

	if *flags.Version {
		common.PrintVersion("envcheck")
		return
	}
	os.Exit(run(flags, *expectLive, *asJSON))
}

type report struct {
	Environment environment.Decision `json:"environment"`
	Guard       guardOutcome         `json:"guard"`
}

type guardOutcome struct {
	Verdict safety.Verdict            `json:"verdict"`
	Route   environment.EffectiveMode `json:"route"`
	Code    string                    `json:"code,omitempty"`
	Reason  string                    `json:"reason,omitempty"`
}

func outcomeOf(d safety.Decision) guardOutcome {
	out := guardOutcome{Verdict: d.Verdict, Route: d.Route}
	if d.Err != nil {
		out.Code = d.Err.Code()
		out.Reason = d.Err.Error()
	}
	return out
}

func run(flags *common.CommonFlags, expectLive, asJSON bool) int {
	if err := config.LoadEnv(*flags.EnvFile); err != nil {
		return common.Fail(nil, err)
	}
	cfg, err := config.Load(*flags.ConfigFile)
	if err != nil {
		return common.Fail(nil, err)
	}

	guard := safety.NewGuard(cfg.Environment, nil, nil)
	env := guard.Environment()
	verdict := guard.Authorize(context.Background())

	if asJSON {
		if err := reporting.PrintJSON(os.Stdout, report{Environment: env, Guard: outcomeOf(verdict)}); err != nil {
			return common.Fail(nil, err)
		}
	} else {
		console := reporting.NewConsoleReporter(os.Stdout)
		console.PrintEnvironment(env)
		console.PrintGuardDecision(verdict)
	}
	return common.Fail(nil, check(env, verdict, expectLive))
}

// check compares the resolved environment and guard verdict with what the caller
// expects. A live drill passes on a fully armed config even though the guard still
// refuses placement.
func check(env environment.Decision, verdict safety.Decision, expectLive bool) error {
	if expectLive {
		if !env.LiveExecuting() {
			return guarderrors.New(guarderrors.ErrorCategorySafety, "envcheck", "check",
				fmt.Sprintf("expected live execution, resolved %s: %s", env.Effective, env.Reason()))
		}
		return nil
	}
	if !verdict.Allowed() {
		return verdict.Err
	}
	if !env.Simulated() {
		return guarderrors.New(guarderrors.ErrorCategorySafety, "envcheck", "check",
			fmt.Sprintf("environment resolves to %s: %s", env.Effective, env.Reason()))
	}
	return nil
}
