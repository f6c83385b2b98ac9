package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/safety"
)

func liveArmed() environment.Config {
	return environment.Config{
		Mode:              environment.ModeLive,
		EnableLiveTrading: true,
		LiveModeArmed:     true,
		ConfirmToken:      "tok",
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		cfg        environment.Config
		expectLive bool
		wantCode   int
		wantGuard  string
	}{
		{"paper passes", environment.Config{Mode: environment.ModePaper}, false, guarderrors.ExitOK, ""},
		{"shadow passes", environment.Config{Mode: environment.ModeShadow}, false, guarderrors.ExitOK, ""},
		{"live without enable is blocked", environment.Config{Mode: environment.ModeLive}, false, guarderrors.ExitSafetyBlocked, "live_trading_disabled"},
		{"armed live is still refused", liveArmed(), false, guarderrors.ExitSafetyBlocked, "live_not_implemented"},
		{"expecting live on armed config passes", liveArmed(), true, guarderrors.ExitOK, "live_not_implemented"},
		{"expecting live on paper fails", environment.Config{Mode: environment.ModePaper}, true, guarderrors.ExitSafetyBlocked, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := safety.NewGuard(tt.cfg, nil, nil)
			verdict := guard.Authorize(context.Background())

			err := check(guard.Environment(), verdict, tt.expectLive)
			assert.Equal(t, tt.wantCode, guarderrors.ExitCode(err))
			assert.Equal(t, tt.wantGuard, outcomeOf(verdict).Code)
		})
	}
}
