package killswitch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
	"github.com/ducminhle1904/trade-guard/internal/state"
)

const approval = "open-sesame"

var t0 = time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StateFile = filepath.Join(dir, "kill_switch.json")
	cfg.AuditDir = filepath.Join(dir, "audit")
	cfg.ApprovalCode = approval
	return cfg
}

type harness struct {
	sw     *Switch
	sink   *audit.MemorySink
	alerts *notifications.Recorder
	now    time.Time
}

func newHarness(t *testing.T, cfg Config, store Store) *harness {
	h := &harness{sink: audit.NewMemorySink(), alerts: &notifications.Recorder{}, now: t0}
	clock := func() time.Time { return h.now }
	rec := audit.NewRecorder(zap.NewNop(), h.sink).WithClock(clock)
	sw, err := New(context.Background(), cfg, store, rec, h.alerts, zap.NewNop())
	require.NoError(t, err)
	h.sw = sw.WithClock(clock)
	return h
}

func TestTriggerBlocksUntilRecovered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(t), nil)

	assert.True(t, h.sw.Check(ctx).Allowed)

	require.NoError(t, h.sw.Trigger(ctx, ReasonManual, "operator"))
	d := h.sw.Check(ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, StatusTriggered, d.Status)
	assert.Equal(t, ReasonTriggered, d.Reason)
	assert.Equal(t, ReasonManual, d.TriggerReason)

	// A second trigger is not a transition
	require.NoError(t, h.sw.Trigger(ctx, ReasonDataAnomaly, "feed"))
	assert.Len(t, h.sw.State().AuditTrail, 1)

	events := h.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notifications.SeverityCritical, events[0].Severity)
	assert.Equal(t, AlertCodeTriggered, events[0].Code)

	err := h.sw.Recover(ctx, "wrong", "alice")
	assert.ErrorIs(t, err, ErrApprovalCodeInvalid)
	assert.False(t, h.sw.Check(ctx).Allowed)

	require.NoError(t, h.sw.Recover(ctx, approval, "alice"))
	assert.True(t, h.sw.Check(ctx).Allowed)

	st := h.sw.State()
	require.Len(t, st.AuditTrail, 3)
	assert.Equal(t, DecisionTriggered, st.AuditTrail[0].Decision)
	assert.Equal(t, DecisionRecovering, st.AuditTrail[1].Decision)
	assert.Equal(t, DecisionArmed, st.AuditTrail[2].Decision)
	assert.Equal(t, "alice", st.AuditTrail[2].Context["operator"])
	assert.Empty(t, st.TriggerReason)
	assert.Nil(t, st.TriggeredAt)
	assert.Equal(t, uint64(3), st.Version)

	assert.Len(t, h.sink.ByComponent(Component), 9)
	assert.ErrorIs(t, h.sw.Recover(ctx, approval, "alice"), ErrNotTriggered)
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.sw.Trigger(ctx, ReasonManual, "operator"))
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.sw.Recover(ctx, approval, "bob"))
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.sw.Trigger(ctx, ReasonDataAnomaly, "feed"))
	want := h.sw.State()

	reloaded := newHarness(t, cfg, nil)
	got := reloaded.sw.State()
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.TriggerReason, got.TriggerReason)
	assert.Equal(t, want.AuditTrail, got.AuditTrail)

	_, err := os.Stat(state.WALPath(cfg.StateFile))
	assert.True(t, os.IsNotExist(err))
}

func TestSessionsSharingStateHaltTogether(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a := newHarness(t, cfg, nil)
	b := newHarness(t, cfg, nil)

	require.True(t, b.sw.Check(ctx).Allowed)
	require.NoError(t, a.sw.Trigger(ctx, ReasonManual, "operator"))
	assert.False(t, b.sw.Check(ctx).Allowed)

	require.NoError(t, b.sw.Recover(ctx, approval, "carol"))
	assert.True(t, a.sw.Check(ctx).Allowed)
	assert.Len(t, a.sw.State().AuditTrail, 3)
}

func TestRepeatedViolationsTrigger(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxConsecutiveViolations = 3
	cfg.ViolationWindow = 10 * time.Minute
	h := newHarness(t, cfg, nil)

	for i := 0; i < 2; i++ {
		tripped, err := h.sw.RecordRiskCheck(ctx, true, true)
		require.NoError(t, err)
		assert.False(t, tripped)
	}
	// A clean check resets the streak
	tripped, err := h.sw.RecordRiskCheck(ctx, false, true)
	require.NoError(t, err)
	assert.False(t, tripped)

	for i := 0; i < 2; i++ {
		tripped, _ = h.sw.RecordRiskCheck(ctx, true, true)
		assert.False(t, tripped)
	}
	tripped, err = h.sw.RecordRiskCheck(ctx, true, true)
	require.NoError(t, err)
	assert.True(t, tripped)

	st := h.sw.State()
	assert.Equal(t, StatusTriggered, st.Status)
	assert.Equal(t, ReasonRepeatedViolations, st.TriggerReason)
	assert.Equal(t, "3", st.AuditTrail[0].Context["consecutive_violations"])
}

func TestViolationWindowExpiresOldViolations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxConsecutiveViolations = 2
	cfg.ViolationWindow = time.Minute
	h := newHarness(t, cfg, nil)

	_, _ = h.sw.RecordRiskCheck(ctx, true, true)
	h.now = h.now.Add(5 * time.Minute)
	tripped, _ := h.sw.RecordRiskCheck(ctx, true, true)
	assert.False(t, tripped)

	h.now = h.now.Add(30 * time.Second)
	tripped, _ = h.sw.RecordRiskCheck(ctx, true, true)
	assert.True(t, tripped)
}

func TestUnenforcedViolations(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		countThem   bool
		wantTripped bool
	}{
		{"counted by default", true, true},
		{"ignored when disabled", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.MaxConsecutiveViolations = 1
			cfg.TriggerOnUnenforcedViolations = tt.countThem
			h := newHarness(t, cfg, nil)

			tripped, err := h.sw.RecordRiskCheck(ctx, true, false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTripped, tripped)
		})
	}
}

func TestCorruptStateFailsClosed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.StateFile), 0755))
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte("{not json"), 0644))

	h := newHarness(t, cfg, nil)
	d := h.sw.Check(ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStateStoreUnreadable, d.TriggerReason)

	// Recovery rewrites the store
	require.NoError(t, h.sw.Recover(ctx, approval, "dave"))
	assert.True(t, h.sw.Check(ctx).Allowed)

	var st State
	found, err := state.ReadJSON(cfg.StateFile, &st)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusArmed, st.Status)
}

func TestUnknownStatusFailsClosed(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, state.WriteJSONAtomic(cfg.StateFile, map[string]string{"status": "sleeping"}))

	h := newHarness(t, cfg, nil)
	assert.Equal(t, StatusTriggered, h.sw.State().Status)
}

type saveFailingStore struct {
	MemoryStore
	failSaves bool
}

func (s *saveFailingStore) Save(ctx context.Context, st State) error {
	if s.failSaves {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, st)
}

func TestStoreFailureDuringTriggerStillHalts(t *testing.T) {
	ctx := context.Background()
	store := &saveFailingStore{failSaves: true}
	h := newHarness(t, testConfig(t), store)

	err := h.sw.Trigger(ctx, ReasonManual, "operator")
	require.Error(t, err)
	assert.Equal(t, StatusTriggered, h.sw.State().Status)
	assert.Len(t, h.alerts.Events(), 1)

	// The store still holds nothing; the switch must not silently re-arm
	assert.False(t, h.sw.Check(ctx).Allowed)

	assert.Error(t, h.sw.Recover(ctx, approval, "erin"))
	assert.False(t, h.sw.Check(ctx).Allowed)

	store.failSaves = false
	require.NoError(t, h.sw.Recover(ctx, approval, "erin"))
	assert.True(t, h.sw.Check(ctx).Allowed)
}

func TestUnreadableStoreFailsClosedOnLoad(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{}
	h := newHarness(t, testConfig(t), store)
	require.True(t, h.sw.Check(ctx).Allowed)

	store.SetFailure(errors.New("io error"))
	d := h.sw.Check(ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStateStoreUnreadable, d.TriggerReason)

	store.SetFailure(nil)
	assert.False(t, h.sw.Check(ctx).Allowed)
}

func TestPendingIntentRollsForward(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	at := t0
	intent := NewArmedState(true)
	intent.Status = StatusTriggered
	intent.TriggerReason = ReasonManual
	intent.TriggeredAt = &at
	intent.Version = 1
	require.NoError(t, state.WriteIntent(cfg.StateFile, intent))

	st, found, err := NewFileStore(cfg.StateFile).Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusTriggered, st.Status)

	_, err = os.Stat(state.WALPath(cfg.StateFile))
	assert.True(t, os.IsNotExist(err))

	var onDisk State
	found, err = state.ReadJSON(cfg.StateFile, &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), onDisk.Version)
}

func TestApprovalCodeDigest(t *testing.T) {
	sum := sha256.Sum256([]byte(approval))
	cfg := Config{RequireApprovalCode: true, ApprovalCodeSHA256: hex.EncodeToString(sum[:])}
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.approvalValid(approval))
	assert.False(t, cfg.approvalValid("nope"))
	assert.False(t, cfg.approvalValid(""))

	assert.True(t, Config{}.approvalValid(""))
	assert.Error(t, Config{RequireApprovalCode: true}.Validate())
	assert.Error(t, Config{ApprovalCodeSHA256: "abc"}.Validate())
}

func TestDailyLossAndAnomalyTriggers(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.DailyLossTriggerAbs = decimal.NewFromInt(1000)
	h := newHarness(t, cfg, nil)
	tripped, err := h.sw.ReportDailyLoss(ctx, decimal.NewFromInt(999))
	require.NoError(t, err)
	assert.False(t, tripped)
	tripped, err = h.sw.ReportDailyLoss(ctx, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, ReasonDailyLoss, h.sw.State().TriggerReason)

	cfg = testConfig(t)
	cfg.TriggerOnDataAnomaly = false
	h = newHarness(t, cfg, nil)
	tripped, err = h.sw.ReportDataAnomaly(ctx, "stale ticker")
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, DecisionObserved, h.sink.Entries()[0].Decision)
	assert.True(t, h.sw.Check(ctx).Allowed)
}

func TestDailyAuditFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.sw.Trigger(ctx, ReasonManual, "operator"))
	require.NoError(t, h.sw.Recover(ctx, approval, "frank"))

	entries, err := audit.ReadJSONL(DailyAuditPath(cfg.AuditDir, t0))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, h.sw.State().AuditTrail, entries)
}
