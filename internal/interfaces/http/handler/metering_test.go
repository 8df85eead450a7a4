package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appmetering "github.com/acrylic-style/gptx-api/internal/application/metering"
	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
	"github.com/acrylic-style/gptx-api/internal/interfaces/http/dto"
)

type noopRunClient struct{}

func (noopRunClient) RetrieveRun(ctx context.Context, threadID, runID string) (appmetering.Run, error) {
	return appmetering.Run{}, nil
}

func (noopRunClient) ListSteps(ctx context.Context, threadID, runID string) ([]appmetering.RunStep, error) {
	return nil, nil
}

func (noopRunClient) RetrieveMessage(ctx context.Context, threadID, messageID string) (appmetering.Message, error) {
	return appmetering.Message{}, nil
}

type noopSink struct{}

func (noopSink) Append(ctx context.Context, record appmetering.SinkRecord) error { return nil }

func setupMeteringRouter(t *testing.T) (*gin.Engine, *appmetering.Ledger, *store.InMemoryPendingRunQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	kv := store.NewInMemoryKVStore()
	minute := store.NewInMemoryDirtySet()
	day := store.NewInMemoryDirtySet()
	queue := store.NewInMemoryPendingRunQueue()

	ledger := appmetering.NewLedger(kv, minute, day, logger)
	admission := appmetering.NewAdmissionService(ledger, logger)
	tracker := appmetering.NewPendingRunTracker(queue, ledger, noopRunClient{}, noopSink{}, logger, appmetering.DefaultRunTrackerConfig())

	h := NewMeteringHandler(admission, ledger, tracker, logger)
	engine := gin.New()
	api := engine.Group("/api/v1")
	h.RegisterRoutes(api)
	return engine, ledger, queue
}

func enableUser(t *testing.T, ledger *appmetering.Ledger, userID, customerID string) {
	t.Helper()
	require.NoError(t, ledger.UpdateRecord(context.Background(), userID, func(r *metering.UserRecord) error {
		id := customerID
		r.BillingCustomerID = &id
		return nil
	}))
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestMeteringHandler_Admit(t *testing.T) {
	t.Run("allows a request within quota", func(t *testing.T) {
		engine, ledger, _ := setupMeteringRouter(t)
		enableUser(t, ledger, "u1", "cus_1")

		w := doJSON(t, engine, http.MethodPost, "/api/v1/metering/admit", AdmitRequest{
			UserID:          "u1",
			Model:           "gpt-4o",
			ProvisionalCost: 10,
		})

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
	})

	t.Run("returns 429 when quota is exhausted", func(t *testing.T) {
		engine, ledger, _ := setupMeteringRouter(t)
		enableUser(t, ledger, "u1", "cus_1")
		require.NoError(t, ledger.UpdateRecord(context.Background(), "u1", func(r *metering.UserRecord) error {
			r.Limits[metering.ModelGPT4o] = metering.WindowLimits{Minute: metering.Limit(0)}
			return nil
		}))

		w := doJSON(t, engine, http.MethodPost, "/api/v1/metering/admit", AdmitRequest{
			UserID: "u1",
			Model:  "gpt-4o",
		})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeQuotaExceeded, resp.Error.Code)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		engine, _, _ := setupMeteringRouter(t)
		w := doJSON(t, engine, http.MethodPost, "/api/v1/metering/admit", gin.H{"model": "gpt-4o"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMeteringHandler_RecordUsage(t *testing.T) {
	engine, ledger, _ := setupMeteringRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/metering/usage", RecordUsageRequest{
		UserID: "u1",
		Model:  "images",
		Amount: 3,
	})

	require.Equal(t, http.StatusOK, w.Code)

	record, err := ledger.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), record.Used[metering.ModelImages].Minute)
}

func TestMeteringHandler_TrackRun(t *testing.T) {
	engine, _, queue := setupMeteringRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/metering/runs", TrackRunRequest{
		UserID:          "u1",
		ThreadID:        "thread_1",
		RunID:           "run_1",
		ProvisionalCost: 12,
	})

	require.Equal(t, http.StatusOK, w.Code)

	entries, err := queue.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMeteringHandler_UserUsage(t *testing.T) {
	engine, ledger, _ := setupMeteringRouter(t)
	enableUser(t, ledger, "u1", "cus_1")
	require.NoError(t, ledger.Increment(context.Background(), "u1", metering.ModelGPT4o, 42))

	w := doJSON(t, engine, http.MethodGet, "/api/v1/metering/users/u1/usage", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                        `json:"success"`
		Data    appmetering.UsageSummaryDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "u1", resp.Data.UserID)
	assert.True(t, resp.Data.MeteringEnabled)
}
