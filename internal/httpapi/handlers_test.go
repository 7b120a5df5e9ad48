package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/events"
	"dukafiti/offline/internal/executor"
	"dukafiti/offline/internal/kv"
	"dukafiti/offline/internal/queue"
	"dukafiti/offline/internal/reconcile"
	"dukafiti/offline/internal/service"
	"dukafiti/offline/internal/store/memory"
	"dukafiti/offline/internal/syncer"

	"github.com/rs/zerolog"
)

const testUser = "u-1"

type switchConn struct{ online atomic.Bool }

func (c *switchConn) Online() bool { return c.online.Load() }

type testEnv struct {
	api  *API
	bus  *events.Bus
	conn *switchConn
	repo *memory.Store
}

// newTestEnv builds a full API over an in-memory remote and real service so
// handler tests exercise the complete request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()
	storage := kv.NewMemory()

	env := &testEnv{
		bus:  events.NewBus(log),
		conn: &switchConn{},
		repo: memory.NewSeeded(),
	}
	q := queue.Open(ctx, storage, log)
	c := cache.New(storage, log)
	set := executor.New(env.repo, log)
	svc := service.New(service.Deps{
		Queue:        q,
		Cache:        c,
		Remote:       set,
		Refresher:    reconcile.NewRefresher(c, env.bus, log, service.RefreshBindings(set)...),
		Orchestrator: syncer.New(q, set, env.bus, log, syncer.Config{UserID: testUser}),
		Connectivity: env.conn,
		Events:       env.bus,
	}, testUser, log)
	t.Cleanup(svc.Close)

	auth := NewAuthManager("test-secret-key", time.Hour, "123456")
	env.api = New(svc, auth, env.bus, "*", log)
	return env
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestEnv(t).api
}

func bearer(t *testing.T, api *API, role string) string {
	t.Helper()
	token, err := api.auth.IssueToken(testUser, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token.AccessToken
}

func doJSON(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if body["online"] != false {
		t.Fatalf("expected online:false, got %v", body["online"])
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sync/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sync/status", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestOfflineCustomerCreateIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	token := bearer(t, env.api, RoleCashier)

	rec := doJSON(t, env.api, http.MethodPost, "/api/v1/customers", token, domain.CustomerCreateRequest{Name: "Mary", Phone: "0722000000"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for queued create, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Customer domain.Customer `json:"customer"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !domain.IsTempID(created.Customer.ID) {
		t.Fatalf("expected local id, got %s", created.Customer.ID)
	}

	rec = doJSON(t, env.api, http.MethodGet, "/api/v1/sync/status", token, nil)
	var status service.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Online || status.Pending != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = doJSON(t, env.api, http.MethodGet, "/api/v1/sync/operations?type=customer", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed struct {
		Operations []domain.PendingOperation `json:"operations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode operations: %v", err)
	}
	if len(listed.Operations) != 1 || listed.Operations[0].Kind != domain.OpCreate {
		t.Fatalf("unexpected operations %+v", listed.Operations)
	}
}

func TestOnlineProductCreateIsConfirmed(t *testing.T) {
	env := newTestEnv(t)
	env.conn.online.Store(true)
	token := bearer(t, env.api, RoleCashier)

	rec := doJSON(t, env.api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{Name: "Sugar 1kg", Category: "grocery", PriceCents: 16500, Stock: 4})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	rec = doJSON(t, env.api, http.MethodPatch, "/api/v1/products/"+created.Product.ID, token, map[string]any{"stock": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, env.api, http.MethodDelete, "/api/v1/products/"+created.Product.ID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", rec.Code)
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	env := newTestEnv(t)
	token := bearer(t, env.api, RoleCashier)

	rec := doJSON(t, env.api, http.MethodPost, "/api/v1/sales", token, domain.SaleRequest{PaymentMethod: "cash"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty sale, got %d", rec.Code)
	}

	rec = doJSON(t, env.api, http.MethodPatch, "/api/v1/customers/missing", token, map[string]any{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown customer, got %d", rec.Code)
	}

	rec = doJSON(t, env.api, http.MethodGet, "/api/v1/sync/operations?type=invoice", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
}

func TestSyncNowOfflineReturns503(t *testing.T) {
	env := newTestEnv(t)
	token := bearer(t, env.api, RoleCashier)

	rec := doJSON(t, env.api, http.MethodPost, "/api/v1/sync/now", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 offline, got %d", rec.Code)
	}

	env.conn.online.Store(true)
	rec = doJSON(t, env.api, http.MethodPost, "/api/v1/sync/now", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 online, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.api.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/events?name="+events.SyncCompleted, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer(t, env.api, RoleCashier))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(res.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}
	env.bus.Publish(events.Event{Name: events.SyncCompleted, Count: 2})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "event: ")); got != events.SyncCompleted {
				t.Fatalf("unexpected event %q", got)
			}
			return
		}
	}
}
