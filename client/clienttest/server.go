// Package clienttest runs the reservation API in process for client tests.
package clienttest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
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
	"github.com/stretchr/testify/require"
)

// StoreID is the store every test server serves.
const StoreID = "s1"

// Secret signs the server's bearer tokens.
const Secret = "test-secret"

// Server is an httptest server over the in-memory inventory store.
type Server struct {
	*httptest.Server
	Service   *services.ReservationService
	Hub       *fanout.Hub
	Validator *auth.Validator
}

// Options configures a Server.
type Options struct {
	// Totals seeds products of StoreID.
	Totals map[string]int
	// Wrap sits in front of the router.
	Wrap func(http.Handler) http.Handler
	// Heartbeat is the stream heartbeat, 50ms when zero.
	Heartbeat time.Duration
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 50 * time.Millisecond
	}
	hub := fanout.NewHub(256, nil, nil)
	svc := services.NewReservationService(services.Dependencies{
		Repo:        repository.NewMemoryInventoryRepository(),
		Hub:         hub,
		Idempotency: &memoryIdempotency{data: map[string][]byte{}},
	})
	v := auth.NewValidator(Secret)

	r := gin.New()
	routes.RegisterRoutes(r,
		controllers.NewReservationController(svc, v, nil),
		controllers.NewStreamController(hub, opts.Heartbeat, nil),
		v,
		routes.Options{RequestTimeout: 5 * time.Second},
	)
	for id, total := range opts.Totals {
		total := total
		_, err := svc.UpsertProduct(context.Background(), StoreID, id, models.UpsertProductRequest{TotalQuantity: &total})
		require.NoError(t, err)
	}

	var h http.Handler = r
	if opts.Wrap != nil {
		h = opts.Wrap(r)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		hub.Close()
		srv.CloseClientConnections()
		srv.Close()
	})
	return &Server{Server: srv, Service: svc, Hub: hub, Validator: v}
}

// Reserved returns the reserved quantity of a product.
func (s *Server) Reserved(t testing.TB, productID string) int {
	t.Helper()
	a, err := s.Service.Available(context.Background(), StoreID, productID)
	require.NoError(t, err)
	return a.ReservedQuantity
}

// Token signs a token for id.
func (s *Server) Token(t testing.TB, id auth.Identity) string {
	t.Helper()
	tok, err := s.Validator.Sign(id, time.Hour)
	require.NoError(t, err)
	return tok
}

type memoryIdempotency struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryIdempotency) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryIdempotency) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryIdempotency) Claim(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
