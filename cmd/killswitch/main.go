package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ducminhle1904/trade-guard/cmd/common"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/pkg/reporting"
)

const usage = `Usage: killswitch [-config file] [-env file] <command> [flags]

Commands:
  status              Show the persisted kill switch state
  trigger -reason R   Halt all order placement
  recover -code C     Re-arm a halted switch with the approval code
  audit               Show the kill switch audit trail
`

func main() {
	flags := common.RegisterCommonFlags(nil)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	if *flags.Version {
		common.PrintVersion("killswitch")
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(guarderrors.ExitConfiguration)
	}
	os.Exit(run(flags, flag.Arg(0), flag.Args()[1:]))
}

func run(flags *common.CommonFlags, command string, args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, ok := commands[command]
	if !ok {
		return common.Fail(nil, guarderrors.NewConfigurationError("killswitch", "command", fmt.Sprintf("unknown command %q", command)))
	}
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	opts := cmd.flags(fs)
	if err := fs.Parse(args); err != nil {
		return guarderrors.ExitConfiguration
	}

	rt, err := common.Bootstrap(ctx, flags)
	if err != nil {
		return common.Fail(nil, err)
	}
	defer rt.Close()

	return common.Fail(rt.Logger, cmd.run(ctx, rt, opts))
}

type command struct {
	flags func(fs *flag.FlagSet) *options
	run   func(ctx context.Context, rt *common.Runtime, opts *options) error
}

type options struct {
	reason   *string
	operator *string
	code     *string
	json     *bool
	limit    *int
	xlsx     *string
}

var commands = map[string]command{
	"status": {
		flags: func(fs *flag.FlagSet) *options {
			return &options{json: fs.Bool("json", false, "Print state as JSON")}
		},
		run: runStatus,
	},
	"trigger": {
		flags: func(fs *flag.FlagSet) *options {
			return &options{
				reason:   fs.String("reason", killswitch.ReasonManual, "Trigger reason"),
				operator: fs.String("operator", os.Getenv("USER"), "Operator name recorded in the audit trail"),
			}
		},
		run: runTrigger,
	},
	"recover": {
		flags: func(fs *flag.FlagSet) *options {
			return &options{
				code:     fs.String("code", "", "Approval code"),
				operator: fs.String("operator", os.Getenv("USER"), "Operator name recorded in the audit trail"),
			}
		},
		run: runRecover,
	},
	"audit": {
		flags: func(fs *flag.FlagSet) *options {
			return &options{
				limit: fs.Int("limit", 50, "Show at most the last N entries (0 for all)"),
				xlsx:  fs.String("xlsx", "", "Write the full trail to an Excel workbook"),
			}
		},
		run: runAudit,
	},
}

func runStatus(_ context.Context, rt *common.Runtime, opts *options) error {
	state := rt.KillSwitch.State()
	if *opts.json {
		return reporting.PrintJSON(os.Stdout, state)
	}
	reporting.NewConsoleReporter(os.Stdout).PrintKillSwitchState(state)
	if state.Status.Halting() {
		return &haltedError{reason: state.TriggerReason}
	}
	return nil
}

func runTrigger(ctx context.Context, rt *common.Runtime, opts *options) error {
	if err := common.NewFlagValidator().ValidateRequired("reason", *opts.reason).GetError(); err != nil {
		return guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "killswitch", "trigger")
	}
	if err := rt.KillSwitch.Trigger(ctx, *opts.reason, "cli:"+operatorName(*opts.operator)); err != nil {
		return err
	}
	reporting.NewConsoleReporter(os.Stdout).PrintKillSwitchState(rt.KillSwitch.State())
	fmt.Println("🛑 Kill switch triggered")
	return nil
}

func runRecover(ctx context.Context, rt *common.Runtime, opts *options) error {
	err := rt.KillSwitch.Recover(ctx, *opts.code, operatorName(*opts.operator))
	switch {
	case errors.Is(err, killswitch.ErrNotTriggered):
		fmt.Println("ℹ️  Kill switch is already armed")
		return nil
	case errors.Is(err, killswitch.ErrApprovalCodeInvalid):
		return &haltedError{reason: "approval code rejected"}
	case err != nil:
		return err
	}
	reporting.NewConsoleReporter(os.Stdout).PrintKillSwitchState(rt.KillSwitch.State())
	fmt.Println("✅ Kill switch re-armed")
	return nil
}

func runAudit(_ context.Context, rt *common.Runtime, opts *options) error {
	trail := rt.KillSwitch.State().AuditTrail
	if *opts.xlsx != "" {
		if err := reporting.WriteAuditXLSX(trail, *opts.xlsx); err != nil {
			return err
		}
		fmt.Printf("📊 Wrote %d entries to %s\n", len(trail), *opts.xlsx)
		return nil
	}
	reporting.NewConsoleReporter(os.Stdout).PrintAuditTrail(trail, *opts.limit)
	return nil
}

func operatorName(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

// haltedError reports a halted switch through the KILL_SWITCH exit code
type haltedError struct {
	reason string
}

func (e *haltedError) Error() string {
	return "kill switch halted: " + e.reason
}

func (e *haltedError) Category() guarderrors.ErrorCategory {
	return guarderrors.ErrorCategoryKillSwitch
}
