package metering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/domain/shared"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

func newTestAdmission(t *testing.T) (*AdmissionService, *Ledger) {
	t.Helper()
	ledger, _, _, _ := newTestLedger()
	return NewAdmissionService(ledger, zap.NewNop()), ledger
}

func TestAdmissionService_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("denies disabled users", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, ledger.UpdateRecord(ctx, "u1", func(r *metering.UserRecord) error {
			r.BillingCustomerID = billingID("cus_1")
			r.Disabled = true
			return nil
		}))

		result, err := svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.ModelGPT4o})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonUserDisabled, result.Reason)
	})

	t.Run("denies users without a billing identity", func(t *testing.T) {
		svc, _ := newTestAdmission(t)
		result, err := svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.ModelGPT4o})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonNoBilling, result.Reason)
	})

	t.Run("denies unconfigured models", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", nil))

		result, err := svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.Model("unknown-model")})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonUnknownModel, result.Reason)
	})

	t.Run("denies at the window limit", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelGPT4o: {Minute: metering.Limit(10), Day: metering.Limit(1000)},
		}))
		require.NoError(t, ledger.Increment(ctx, "u1", metering.ModelGPT4o, 10))

		result, err := svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.ModelGPT4o})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonWindowLimit, result.Reason)
		require.NotNil(t, result.Error)
		assert.Equal(t, 429, result.Error.HTTPStatusCode())
	})

	t.Run("zero limit blocks the model outright", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelImages: {Minute: metering.Limit(0), Day: metering.Limit(1000)},
		}))

		result, err := svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.ModelImages})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonWindowLimit, result.Reason)
	})

	t.Run("denies a declared cost exceeding remaining capacity", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelGPT4o: {Minute: metering.Limit(10), Day: metering.Limit(1000)},
		}))
		require.NoError(t, ledger.Increment(ctx, "u1", metering.ModelGPT4o, 8))

		result, err := svc.Admit(ctx, AdmissionInput{
			UserID:          "u1",
			Model:           metering.ModelGPT4o,
			ProvisionalCost: 5,
		})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonDeclaredCost, result.Reason)
		require.NotNil(t, result.Remaining)
		assert.Equal(t, int64(2), *result.Remaining)
		assert.Equal(t, int64(5), result.Error.Requested)

		// a denied request charges nothing
		record, err := ledger.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(8), record.Used[metering.ModelGPT4o].Minute)
	})

	t.Run("allowed request pre-charges the provisional cost", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelGPT4o: {Minute: metering.Limit(100), Day: metering.Limit(1000)},
		}))

		result, err := svc.Admit(ctx, AdmissionInput{
			UserID:          "u1",
			Model:           metering.ModelGPT4o,
			ProvisionalCost: 40,
		})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		require.NotNil(t, result.Remaining)
		assert.Equal(t, int64(100), *result.Remaining)

		record, err := ledger.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(40), record.Used[metering.ModelGPT4o].Minute)
		assert.Equal(t, int64(40), record.Used[metering.ModelGPT4o].Day)
		assert.Equal(t, int64(40), record.UsageSinceLastRecord[metering.ModelGPT4o])
	})

	t.Run("sequential pre-charges exhaust the window", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelGPT4o: {Minute: metering.Limit(10), Day: nil},
		}))

		input := AdmissionInput{UserID: "u1", Model: metering.ModelGPT4o, ProvisionalCost: 4}
		for i := 0; i < 2; i++ {
			result, err := svc.Admit(ctx, input)
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := svc.Admit(ctx, input)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonDeclaredCost, result.Reason)
	})

	t.Run("unbounded models admit any declared cost", func(t *testing.T) {
		svc, ledger := newTestAdmission(t)
		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelO3Mini: {Minute: nil, Day: nil},
		}))

		result, err := svc.Admit(ctx, AdmissionInput{
			UserID:          "u1",
			Model:           metering.ModelO3Mini,
			ProvisionalCost: 1 << 40,
		})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Nil(t, result.Remaining)
	})

	t.Run("denied request for an unknown user leaves no record", func(t *testing.T) {
		ledger, kv, _, _ := newTestLedger()
		svc := NewAdmissionService(ledger, zap.NewNop())

		result, err := svc.Admit(ctx, AdmissionInput{
			UserID:          "stranger",
			Model:           metering.ModelGPT4o,
			ProvisionalCost: 5,
		})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonNoBilling, result.Reason)

		_, err = kv.Get(ctx, UserKey("stranger"))
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("usage landing between check and charge denies the request", func(t *testing.T) {
		kv := newHookKV(store.NewInMemoryKVStore())
		minute := store.NewInMemoryDirtySet()
		day := store.NewInMemoryDirtySet()
		ledger := NewLedger(kv, minute, day, zap.NewNop())
		svc := NewAdmissionService(ledger, zap.NewNop())

		require.NoError(t, seedUser(ctx, ledger, "u1", "cus_1", map[metering.Model]metering.WindowLimits{
			metering.ModelGPT4o: {Minute: metering.Limit(10), Day: nil},
		}))

		// a competing charge lands right after the decision snapshot is read
		kv.afterGet(UserKey("u1"), func() {
			require.NoError(t, ledger.Increment(ctx, "u1", metering.ModelGPT4o, 6))
		})

		result, err := svc.Admit(ctx, AdmissionInput{
			UserID:          "u1",
			Model:           metering.ModelGPT4o,
			ProvisionalCost: 6,
		})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, DenyReasonDeclaredCost, result.Reason)

		// only the competing charge is on the record
		record, err := ledger.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), record.Used[metering.ModelGPT4o].Minute)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		svc, _ := newTestAdmission(t)

		_, err := svc.Admit(ctx, AdmissionInput{Model: metering.ModelGPT4o})
		assert.Error(t, err)

		_, err = svc.Admit(ctx, AdmissionInput{UserID: "u1", Model: metering.ModelGPT4o, ProvisionalCost: -1})
		assert.Error(t, err)
	})
}
