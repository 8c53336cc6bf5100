package controllers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/controllers"
	"github.com/TNZtims/bazaar-pos-sub001/fanout"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"github.com/TNZtims/bazaar-pos-sub001/routes"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router    *gin.Engine
	svc       *services.ReservationService
	hub       *fanout.Hub
	validator *auth.Validator
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := fanout.NewHub(64, nil, nil)
	svc := services.NewReservationService(services.Dependencies{
		Repo: repository.NewMemoryInventoryRepository(),
		Hub:  hub,
	})
	v := auth.NewValidator("test-secret")

	r := gin.New()
	routes.RegisterRoutes(r,
		controllers.NewReservationController(svc, v, nil),
		controllers.NewStreamController(hub, 50*time.Millisecond, nil),
		v,
		routes.Options{RequestTimeout: 5 * time.Second},
	)

	total := 10
	_, err := svc.UpsertProduct(context.Background(), "s1", "p1", models.UpsertProductRequest{TotalQuantity: &total})
	require.NoError(t, err)

	return &testEnv{router: r, svc: svc, hub: hub, validator: v}
}

func (e *testEnv) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := e.validator.Sign(id, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func anon(session string) map[string]string {
	return map[string]string{"X-Session-ID": session}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestReserve_ReturnsAvailability(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":6}`, anon("tab-a"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res models.ReservationResult
	decode(t, w, &res)
	assert.Equal(t, "anon:tab-a", res.ActorID)
	assert.Equal(t, 6, res.Held)
	assert.Equal(t, 4, res.AvailableQuantity)
}

func TestReserve_InsufficientStockCarriesRemaining(t *testing.T) {
	env := newEnv(t)
	env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":6}`, anon("tab-a"))

	w := env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":5}`, anon("tab-b"))
	require.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	decode(t, w, &body)
	assert.Contains(t, body.Message, "only 4 remaining")
	assert.EqualValues(t, 4, body.Details["remaining"])
}

func TestReserve_RejectsBadInput(t *testing.T) {
	env := newEnv(t)

	cases := map[string]struct {
		body    string
		headers map[string]string
		status  int
	}{
		"fractional quantity": {`{"product_id":"p1","quantity":1.5}`, anon("t"), http.StatusBadRequest},
		"zero quantity":       {`{"product_id":"p1","quantity":0}`, anon("t"), http.StatusBadRequest},
		"negative quantity":   {`{"product_id":"p1","quantity":-2}`, anon("t"), http.StatusBadRequest},
		"missing product":     {`{"quantity":1}`, anon("t"), http.StatusBadRequest},
		"unknown product":     {`{"product_id":"nope","quantity":1}`, anon("t"), http.StatusNotFound},
		"no identity":         {`{"product_id":"p1","quantity":1}`, nil, http.StatusUnauthorized},
		"bad token":           {`{"product_id":"p1","quantity":1}`, bearer("junk"), http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/inventory/stores/s1/reserve", tc.body, tc.headers)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}

	a, err := env.svc.Available(context.Background(), "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.ReservedQuantity)
}

func TestCashierIsScopedToStore(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.Identity{Subject: "reg-1", Role: auth.RoleCashier, StoreID: "s2"})

	w := env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":1}`, bearer(tok))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdjustAndRelease(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.Identity{Subject: "u1", Role: auth.RoleCustomer})

	w := env.do(http.MethodPost, "/inventory/stores/s1/adjust", `{"product_id":"p1","from":0,"to":5}`, bearer(tok))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodPost, "/inventory/stores/s1/adjust", `{"product_id":"p1","from":5,"to":2}`, bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	var res models.ReservationResult
	decode(t, w, &res)
	assert.Equal(t, models.ActionRelease, res.Action)
	assert.Equal(t, 3, res.Quantity)
	assert.Equal(t, 8, res.AvailableQuantity)

	w = env.do(http.MethodPost, "/inventory/stores/s1/release", `{"product_id":"p1","quantity":10}`, bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, 2, res.Quantity)
	assert.Equal(t, 10, res.AvailableQuantity)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	env := newEnv(t)
	headers := anon("tab-a")
	headers["Idempotency-Key"] = "k1"

	w := env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":2}`, headers)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReleaseBeacon_AlwaysAccepted(t *testing.T) {
	env := newEnv(t)
	env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":3}`, anon("tab-a"))

	req := httptest.NewRequest(http.MethodPost, "/inventory/stores/s1/release-beacon",
		strings.NewReader(`{"session_id":"tab-a","items":[{"product_id":"p1","quantity":3},{"product_id":"gone","quantity":1}]}`))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	a, err := env.svc.Available(context.Background(), "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, a.AvailableQuantity)

	for _, body := range []string{"not json", `{"items":[{"product_id":"p1","quantity":1}]}`, `{"token":"junk","items":[]}`} {
		w := env.do(http.MethodPost, "/inventory/stores/s1/release-beacon", body, nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newEnv(t)
	admin := env.token(t, auth.Identity{Subject: "boss", Role: auth.RoleAdmin})
	customer := env.token(t, auth.Identity{Subject: "u1"})

	w := env.do(http.MethodPut, "/inventory/stores/s1/products/p1", `{"total_quantity":20}`, bearer(customer))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, "/inventory/stores/s1/products/p1", `{"total_quantity":20}`, bearer(admin))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var a models.Availability
	decode(t, w, &a)
	assert.Equal(t, 20, a.AvailableQuantity)

	env.do(http.MethodPost, "/inventory/stores/s1/reserve", `{"product_id":"p1","quantity":15}`, anon("tab-a"))
	w = env.do(http.MethodPut, "/inventory/stores/s1/products/p1", `{"total_quantity":10}`, bearer(admin))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/inventory/stores/s1/products/p1/reset", "", bearer(admin))
	require.Equal(t, http.StatusOK, w.Code)
	var reset struct {
		Released int                 `json:"released"`
		Product  models.Availability `json:"product"`
	}
	decode(t, w, &reset)
	assert.Equal(t, 15, reset.Released)
	assert.Equal(t, 20, reset.Product.AvailableQuantity)

	w = env.do(http.MethodDelete, "/inventory/stores/s1/products/p1", "", bearer(admin))
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/inventory/stores/s1/products/p1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProducts(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodGet, "/inventory/stores/s1/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Products []models.Availability `json:"products"`
	}
	decode(t, w, &body)
	require.Len(t, body.Products, 1)
	assert.Equal(t, "p1", body.Products[0].ProductID)
}

func TestStream_DeliversRoomEvents(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/inventory/stores/s1/stream?session=watcher", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(l, "event:"))
			}
		}
		return ""
	}

	require.Equal(t, controllers.StreamEventReady, next())
	require.Eventually(t, func() bool { return env.hub.Sessions("s1") == 1 }, time.Second, 10*time.Millisecond)

	_, err = env.svc.ApplyReserve(context.Background(), "s1", "p1", "anon:x", 2)
	require.NoError(t, err)

	assert.Equal(t, string(models.EventCartReservation), next())
	assert.Equal(t, string(models.EventStockDelta), next())
}

func TestStream_SameSessionConnectionsEachGetEveryEvent(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := func() (*http.Response, *bufio.Scanner) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/inventory/stores/s1/stream?session=tab", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp, bufio.NewScanner(resp.Body)
	}
	countReservations := func(lines *bufio.Scanner, want int) int {
		n := 0
		for n < want && lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event:") && strings.TrimSpace(strings.TrimPrefix(l, "event:")) == string(models.EventCartReservation) {
				n++
			}
		}
		return n
	}

	respA, linesA := open()
	defer respA.Body.Close()
	respB, linesB := open()
	require.Eventually(t, func() bool { return env.hub.Sessions("s1") == 2 }, time.Second, 10*time.Millisecond)

	const reserves = 10
	for i := 0; i < reserves; i++ {
		_, err := env.svc.ApplyReserve(context.Background(), "s1", "p1", "anon:x", 1)
		require.NoError(t, err)
	}

	gotA := make(chan int, 1)
	go func() { gotA <- countReservations(linesA, reserves) }()
	assert.Equal(t, reserves, countReservations(linesB, reserves))
	assert.Equal(t, reserves, <-gotA)

	// Closing one connection leaves the other subscribed.
	respB.Body.Close()
	require.Eventually(t, func() bool { return env.hub.Sessions("s1") == 1 }, time.Second, 10*time.Millisecond)
	_, err := env.svc.ApplyRelease(context.Background(), "s1", "p1", "anon:x", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, countReservations(linesA, 1))
}
