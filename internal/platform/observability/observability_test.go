package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/markdown-authz/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	info, spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	require.True(t, ok)
	require.Equal(t, "105445aa7843bc8bf206b12000100000", info.TraceID)
	require.Equal(t, "0000000000000001", info.SpanID)
	require.True(t, info.Sampled)
	require.True(t, spanCtx.IsRemote())
	require.Equal(t, "105445aa7843bc8bf206b12000100000/1;o=1", formatCloudTraceHeader(info))

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000/x", "105445aa7843bc8bf206b12000100000"} {
		_, _, ok := parseCloudTraceContext(header)
		require.False(t, ok, header)
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("proj-1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/42;o=0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "proj-1", got.ProjectID)
	require.Equal(t, "105445aa7843bc8bf206b12000100000", got.TraceID)
}

func TestRequestLoggerRecordsRouteAndStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(logger), StoreMiddleware, RequestLoggerMiddleware())
	router.Get("/sessions/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil)
	req.Header.Set("X-Store-ID", "store-9")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "/sessions/{sessionId}", fields["route"])
	require.EqualValues(t, http.StatusNotFound, fields["status"])
	require.Equal(t, "store-9", fields["store_id"])
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "internal_server_error", body["error"])
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLoggerWithConfig(LoggerConfig{Level: "verbose", Outputs: []string{"stderr"}})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	debug, err := NewLoggerWithConfig(LoggerConfig{Level: " DEBUG ", Console: true, Outputs: []string{"stderr"}})
	require.NoError(t, err)
	require.True(t, debug.Core().Enabled(zapcore.DebugLevel))
}

func TestCloudSeverityNames(t *testing.T) {
	cases := map[zapcore.Level]string{
		zapcore.DebugLevel: "DEBUG",
		zapcore.InfoLevel:  "INFO",
		zapcore.WarnLevel:  "WARNING",
		zapcore.ErrorLevel: "ERROR",
		zapcore.PanicLevel: "CRITICAL",
		zapcore.FatalLevel: "ALERT",
	}
	for level, want := range cases {
		require.Equal(t, want, cloudSeverity(level), level.String())
	}
}

func TestClipStripsControlRunes(t *testing.T) {
	require.Equal(t, "store-9", clip("store-\n9\u200b", idFieldLimit))
	require.Equal(t, "ab", clip("abc", 2))
	require.Equal(t, "店舗", clip("店舗東京", 2))
	require.Equal(t, "/", routeField("").String)
	require.Equal(t, "POST", methodField("post\r").String)
}
