package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
	"github.com/RTX-TreDiX/GCPMS/internal/remotesync"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
	"github.com/RTX-TreDiX/GCPMS/internal/settings"
)

// fakeSyncer merges its records into the store on every call.
type fakeSyncer struct {
	mu      sync.Mutex
	session keys.SessionKey
	records []ledger.Record
	outcome remotesync.Outcome
	gotIn   remotesync.SessionInput
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSyncer) Sync(_ context.Context, store *series.Store, in remotesync.SessionInput) (remotesync.Result, series.Report, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.gotIn = in
	f.mu.Unlock()
	res := remotesync.Result{Outcome: f.outcome, SyncID: "sync-1", Records: len(f.records)}
	if f.outcome != remotesync.Success {
		res.Err = errors.New("failed")
		return res, series.Report{}, nil
	}
	res.Persisted = true
	seq := func(yield func(ledger.Record, error) bool) {
		for _, r := range f.records {
			if !yield(r, nil) {
				return
			}
		}
	}
	rep, err := store.Merge(seq, f.session)
	return res, rep, err
}

func makeRecords(t *testing.T, k keys.SessionKey) []ledger.Record {
	t.Helper()
	var out []ledger.Record
	for i, ts := range []string{"2025-01-01 10:00:00", "2025-01-01 10:30:00"} {
		at, err := price.ParseTimestamp(ts)
		require.NoError(t, err)
		v := int64(i + 1)
		ct, err := codec.Encrypt(price.Sample{Time: at, Values: [4]int64{v, v * 10, v * 100, v * 1000}}.Plaintext(), k.Material)
		require.NoError(t, err)
		out = append(out, ledger.Record{Timestamp: ts, Ciphertext: ct})
	}
	return out
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	store  *series.Store
	syncer *fakeSyncer
	vault  *settings.Vault
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)

	store := series.NewStore(nil)
	syncer := &fakeSyncer{session: k, records: makeRecords(t, k)}
	vault := settings.NewVault(filepath.Join(t.TempDir(), "settings.csv"), keys.ApplicationKey())
	srv := NewServer(DefaultServerConfig(), store, syncer, vault, metrics.New(nil))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		hs.Close()
	})
	return fixture{srv: srv, http: hs, store: store, syncer: syncer, vault: vault}
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, http.MethodGet, f.http.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSync_MergesAndServesSeries(t *testing.T) {
	f := newFixture(t)

	resp, body := do(t, http.MethodPost, f.http.URL+"/sync", `{"key":"k","iv":"v"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["outcome"])
	assert.Equal(t, 2.0, body["added"])
	assert.Equal(t, true, body["key_saved"])
	f.syncer.mu.Lock()
	assert.Equal(t, remotesync.SessionInput{Key: "k", IV: "v"}, f.syncer.gotIn)
	f.syncer.mu.Unlock()

	resp, body = do(t, http.MethodGet, f.http.URL+"/series/gold", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	points := body["points"].([]any)
	require.Len(t, points, 2)
	assert.Equal(t, map[string]any{"timestamp": "2025-01-01 10:30:00", "value": 200.0}, points[1])

	resp, body = do(t, http.MethodGet, f.http.URL+"/series", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["points"])
	assert.Equal(t, []any{"2025-01-01 10:00:00", "2025-01-01 10:30:00"}, body["times"])
	latest := body["latest"].(map[string]any)
	assert.Equal(t, "2025-01-01 10:30:00", latest["timestamp"])

	resp, body = do(t, http.MethodPost, f.http.URL+"/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "empty body uses the saved key")
	assert.Equal(t, 2.0, body["duplicates"])
}

func TestSync_OutcomeStatus(t *testing.T) {
	cases := map[remotesync.Outcome]int{
		remotesync.SettingsNotFound: http.StatusConflict,
		remotesync.ConnectionError:  http.StatusBadGateway,
		remotesync.CryptoError:      http.StatusUnprocessableEntity,
	}
	for outcome, status := range cases {
		t.Run(outcome.String(), func(t *testing.T) {
			f := newFixture(t)
			f.syncer.outcome = outcome
			resp, body := do(t, http.MethodPost, f.http.URL+"/sync", "{}")
			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, outcome.String(), body["outcome"])
			assert.Equal(t, "failed", body["error"])
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestSync_BadBody(t *testing.T) {
	f := newFixture(t)
	resp, _ := do(t, http.MethodPost, f.http.URL+"/sync", "{nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.syncer.entered = make(chan struct{}, 1)
	f.syncer.block = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.http.URL+"/sync", "application/json", strings.NewReader("{}"))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-f.syncer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first sync never started")
	}

	resp, _ := do(t, http.MethodPost, f.http.URL+"/sync", "{}")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(f.syncer.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestSeries_Unknown(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, http.MethodGet, f.http.URL+"/series/btc", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown series")
}

func TestSettings_GetPut(t *testing.T) {
	f := newFixture(t)

	resp, _ := do(t, http.MethodGet, f.http.URL+"/settings", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodPut, f.http.URL+"/settings",
		`{"host":"prices.example.net","port":22,"username":"debian","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "********", body["password"])

	// Sending back the redacted form keeps the stored password.
	resp, _ = do(t, http.MethodPut, f.http.URL+"/settings",
		`{"host":"prices2.example.net","port":2222,"username":"debian","password":"********"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := f.vault.Load()
	require.NoError(t, err)
	assert.Equal(t, "prices2.example.net", conn.Host)
	assert.Equal(t, 2222, conn.Port)
	assert.Equal(t, "s3cret", conn.Password)

	resp, body = do(t, http.MethodGet, f.http.URL+"/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "prices2.example.net", body["host"])
	assert.Equal(t, "********", body["password"])
}

func TestSettings_PutInvalid(t *testing.T) {
	f := newFixture(t)
	resp, _ := do(t, http.MethodPut, f.http.URL+"/settings", `{"host":"","port":22,"username":"u","password":"p"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, f.http.URL+"/settings", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	do(t, http.MethodPost, f.http.URL+"/sync", "{}")

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocket_ReceivesMergeEvent(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, _ := do(t, http.MethodPost, f.http.URL+"/sync", "{}")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventMerge, ev.Type)
	assert.Equal(t, "sync-1", ev.SyncID)
	assert.Equal(t, 2, ev.Added)
	assert.Equal(t, 2, ev.Points)
	require.NotNil(t, ev.Latest)
	assert.Equal(t, int64(2000), ev.Latest.Values["coin"])

	conn.Close()
	require.Eventually(t, func() bool { return f.srv.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, http.MethodGet, f.http.URL+"/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])
}

func TestServerConfig_ForSyncTimeout(t *testing.T) {
	def := DefaultServerConfig()
	assert.Equal(t, def.WriteTimeout, def.ForSyncTimeout(time.Minute).WriteTimeout, "never lowered")

	long := def.ForSyncTimeout(10 * time.Minute)
	assert.Greater(t, long.WriteTimeout, 10*time.Minute)
	assert.Equal(t, def.ReadTimeout, long.ReadTimeout)
}
