package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasar-data/quasar/internal/dispatch"
	"github.com/quasar-data/quasar/internal/handle"
	"github.com/quasar-data/quasar/internal/storage"
	"github.com/quasar-data/quasar/pkg/compression"
	"github.com/quasar-data/quasar/pkg/table"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.TieredStorage) {
	t.Helper()
	cold, err := storage.NewColdStore(t.TempDir(), compression.DefaultConfig())
	require.NoError(t, err)
	ts := storage.NewTieredStorage(storage.TieredOptions{
		Cache: storage.NewHotCache(16 << 20),
		Cold:  cold,
	})
	t.Cleanup(ts.Close)

	provider := handle.NewMemoryProvider(handle.NewManager())
	t.Cleanup(provider.Close)

	srv := httptest.NewServer(New("127.0.0.1:0", dispatch.New(provider, ts)).Handler())
	t.Cleanup(srv.Close)
	return srv, ts
}

// newAnalyticTestServer wires a fake analytic engine at analyticURL into
// the storage tiers.
func newAnalyticTestServer(t *testing.T, analyticURL string) *httptest.Server {
	t.Helper()
	cold, err := storage.NewColdStore(t.TempDir(), compression.DefaultConfig())
	require.NoError(t, err)
	ts := storage.NewTieredStorage(storage.TieredOptions{
		Cache:    storage.NewHotCache(16 << 20),
		Cold:     cold,
		Analytic: storage.NewHTTPAnalyticBackend(analyticURL),
	})
	t.Cleanup(ts.Close)

	provider := handle.NewMemoryProvider(handle.NewManager())
	t.Cleanup(provider.Close)

	srv := httptest.NewServer(New("127.0.0.1:0", dispatch.New(provider, ts)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func sampleIPC(t *testing.T) []byte {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	tbl, err := table.FromRows(schema, [][]interface{}{
		{int64(1), "BTC_USD", 39269.98},
		{int64(2), "ETH_USD", 2615.54},
		{int64(3), "SOL_USD", 98.45},
	})
	require.NoError(t, err)
	defer tbl.Release()

	data, err := tbl.ToIPC()
	require.NoError(t, err)
	return data
}

func createHandle(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/tables", "application/vnd.apache.arrow.stream", bytes.NewReader(sampleIPC(t)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info dispatch.HandleInfo
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&info))
	require.NotEmpty(t, info.Handle)
	return info.Handle
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateDescribeDrop(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Get(srv.URL + "/tables/" + id)
	require.NoError(t, err)
	var info dispatch.HandleInfo
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, int64(3), info.Rows)
	assert.Len(t, info.Columns, 3)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tables/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tables/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecRendersHandle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Get(fmt.Sprintf("%s/exec?handle=%s&limit=2", srv.URL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
		Dataset [][]interface{} `json:"dataset"`
		Count   int             `json:"count"`
	}
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Columns, 3)
	assert.Equal(t, "symbol", body.Columns[1].Name)
	assert.Equal(t, "BTC_USD", body.Dataset[0][1])
}

func TestExecValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for path, wantStatus := range map[string]int{
		"/exec":                       http.StatusBadRequest,
		"/exec?handle=x&query=y":      http.StatusBadRequest,
		"/exec?handle=x&fmt=csv":      http.StatusBadRequest,
		"/exec?handle=x&limit=potato": http.StatusBadRequest,
		"/exec?handle=ghost":          http.StatusNotFound,
		"/exec?query=SELECT+1":        http.StatusNotImplemented, // no analytic backend configured
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, wantStatus, resp.StatusCode, "path %s", path)
	}
}

func TestExecQueryRelaysUpstreamVerbatim(t *testing.T) {
	const upstreamBody = `{"query":"select 1","columns":[{"name":"ts","type":"TIMESTAMP"}],"dataset":[["2026-01-01T00:00:00Z"]],"count":1}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exec", r.URL.Path)
		assert.Equal(t, "select 1", r.URL.Query().Get("query"))
		assert.Equal(t, "7", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprint(w, upstreamBody)
	}))
	defer upstream.Close()

	srv := newAnalyticTestServer(t, upstream.URL)
	resp, err := http.Get(srv.URL + "/exec?query=" + url.QueryEscape("select 1") + "&limit=7")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// The engine's bytes pass through untouched, TIMESTAMP column and all.
	assert.Equal(t, upstreamBody, string(body))
}

func TestExecQueryRelaysUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"table does not exist","position":14}`)
	}))
	defer upstream.Close()

	srv := newAnalyticTestServer(t, upstream.URL)
	resp, err := http.Get(srv.URL + "/exec?query=" + url.QueryEscape("select * from ghost"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "table does not exist")
}

func TestInvokeOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	op := strings.NewReader(`{"kind": "filter_equal", "column": "symbol", "value": "ETH_USD"}`)
	resp, err := http.Post(srv.URL+"/tables/"+id+"/invoke", "application/json", op)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info dispatch.HandleInfo
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, int64(1), info.Rows)
	assert.NotEqual(t, id, info.Handle)
}

func TestInvokeUnknownOperation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Post(srv.URL+"/tables/"+id+"/invoke", "application/json",
		strings.NewReader(`{"kind": "pivot"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDataStreamRoundtrip(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Get(srv.URL + "/tables/" + id + "/data")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apache.arrow.stream", resp.Header.Get("Content-Type"))

	data := new(bytes.Buffer)
	_, err = data.ReadFrom(resp.Body)
	require.NoError(t, err)

	tbl, err := table.FromIPC(data.Bytes())
	require.NoError(t, err)
	defer tbl.Release()
	assert.Equal(t, int64(3), tbl.NumRows())
}

func TestDataStreamChunked(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Get(srv.URL + "/tables/" + id + "/data?chunk_rows=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// The body is a sequence of independently decodable IPC streams, one
	// row each.
	rd := bytes.NewReader(raw)
	var streams int
	var rows int64
	for rd.Len() > 0 {
		r, err := ipc.NewReader(rd)
		require.NoError(t, err)
		for r.Next() {
			rows += r.Record().NumRows()
		}
		require.NoError(t, r.Err())
		r.Release()
		streams++
	}
	assert.Equal(t, 3, streams)
	assert.Equal(t, int64(3), rows)
}

func TestDataStreamChunkRowsValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Get(srv.URL + "/tables/" + id + "/data?chunk_rows=banana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveAndOpenStored(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Post(srv.URL+"/tables/"+id+"/save", "application/json",
		strings.NewReader(`{"key": "trades"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/stored/open", "application/json",
		strings.NewReader(`{"key": "trades"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info dispatch.HandleInfo
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, int64(3), info.Rows)
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	path := filepath.Join(t.TempDir(), "trades.parquet")
	resp, err := http.Post(srv.URL+"/tables/"+id+"/export", "application/json",
		strings.NewReader(fmt.Sprintf(`{"path": %q}`, path)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestCloneEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Post(srv.URL+"/tables/"+id+"/clone", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info dispatch.HandleInfo
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&info))
	assert.NotEqual(t, id, info.Handle)
	assert.Equal(t, int64(3), info.Rows)
}

func TestStoredKeyLifecycle(t *testing.T) {
	srv, tiered := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Post(srv.URL+"/tables/"+id+"/save", "application/json",
		strings.NewReader(`{"key": "trades"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	tiered.Flush()

	resp, err = http.Get(srv.URL + "/stored")
	require.NoError(t, err)
	var listing struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Equal(t, []string{"trades"}, listing.Keys)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/stored/trades", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHeartbeatEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createHandle(t, srv)

	resp, err := http.Post(srv.URL+"/heartbeat", "application/json",
		strings.NewReader(fmt.Sprintf(`{"handles": [%q, "ghost"]}`, id)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Alive map[string]bool `json:"alive"`
	}
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Alive[id])
	assert.False(t, body.Alive["ghost"])
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	createHandle(t, srv)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats dispatch.Stats
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.ActiveHandles)
	require.NotNil(t, stats.Storage)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metricsBody := new(bytes.Buffer)
	_, err = metricsBody.ReadFrom(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, metricsBody.String(), "quasar_active_handles")
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/tables/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	require.NoError(t, gojson.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.Type)
	assert.Contains(t, body.Error, "ghost")
}
