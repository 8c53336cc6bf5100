// Package client is the storefront and register side of the reservation
// service: an HTTP client for the reservation endpoints, a release beacon
// for page teardown, the live availability stream and a cart that keeps its
// lines equal to what the server has reserved.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnavailable       = errors.New("reservation service unavailable")
)

// APIError is an error response from the reservation service.
type APIError struct {
	Status  int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reservation service: %d %s", e.Status, e.Message)
}

// Is maps the response onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInsufficientStock:
		_, ok := e.Remaining()
		return e.Status == http.StatusConflict && ok
	case ErrProductNotFound:
		return e.Status == http.StatusNotFound
	case ErrInvalidQuantity:
		return e.Status == http.StatusBadRequest
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrUnavailable:
		return e.Status >= http.StatusInternalServerError
	}
	return false
}

// Remaining returns the quantity the server said is still available when a
// reserve was rejected.
func (e *APIError) Remaining() (int, bool) {
	v, ok := e.Details["remaining"].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// Remaining extracts the achievable quantity from an InsufficientStock error.
func Remaining(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Remaining()
	}
	return 0, false
}

// Client talks to one store of the reservation service as one actor.
type Client struct {
	baseURL   string
	storeID   string
	token     string
	sessionID string
	http      *http.Client
	retries   int
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates as a customer, cashier or admin.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionID identifies an anonymous visitor. It should survive restarts
// so a replayed release reaches the same reservations.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetries sets how many times a request is retried after a transport
// error or 5xx. Retries reuse the request's idempotency key.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for storeID. Without a token or session id a random
// session id is generated.
func New(baseURL, storeID string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		storeID: storeID,
		http:    &http.Client{Timeout: 10 * time.Second},
		retries: 1,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token == "" && c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	return c
}

func (c *Client) StoreID() string   { return c.storeID }
func (c *Client) SessionID() string { return c.sessionID }

// ActorID is the owner id the server assigns to this client's reservations.
// It is read from the token without verifying it; the server verifies.
func (c *Client) ActorID() string {
	if c.token == "" {
		return auth.AnonymousActorID(c.sessionID)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return ""
	}
	id := auth.Identity{Role: auth.RoleCustomer}
	id.Subject, _ = claims["sub"].(string)
	if role, ok := claims["role"].(string); ok && role != "" {
		id.Role = role
	}
	return auth.ActorID(id, c.storeID)
}

func (c *Client) storePath(parts ...string) string {
	return c.baseURL + "/inventory/stores/" + url.PathEscape(c.storeID) + strings.Join(parts, "")
}

func (c *Client) identify(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}
}

// do sends a JSON request and decodes a JSON response into out. Mutating
// requests carry an idempotency key so retries are applied once.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	key := ""
	if method != http.MethodGet {
		key = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		lastErr = c.once(ctx, method, path, body, key, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		c.logger.Debug("Retrying reservation request", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return lastErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, key string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	c.identify(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type quantityBody struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Reserve holds qty more of the product for this actor.
func (c *Client) Reserve(ctx context.Context, productID string, qty int) (*models.ReservationResult, error) {
	var res models.ReservationResult
	if err := c.do(ctx, http.MethodPost, c.storePath("/reserve"), quantityBody{productID, qty}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Release gives back up to qty of what this actor holds.
func (c *Client) Release(ctx context.Context, productID string, qty int) (*models.ReservationResult, error) {
	var res models.ReservationResult
	if err := c.do(ctx, http.MethodPost, c.storePath("/release"), quantityBody{productID, qty}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Adjust moves this actor's hold from one quantity to another in one step.
func (c *Client) Adjust(ctx context.Context, productID string, from, to int) (*models.ReservationResult, error) {
	body := struct {
		ProductID string `json:"product_id"`
		From      int    `json:"from"`
		To        int    `json:"to"`
	}{productID, from, to}
	var res models.ReservationResult
	if err := c.do(ctx, http.MethodPost, c.storePath("/adjust"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Heartbeat keeps this actor's holds alive when the server runs leases.
func (c *Client) Heartbeat(ctx context.Context, productIDs []string) (int, error) {
	var out struct {
		Touched int `json:"touched"`
	}
	err := c.do(ctx, http.MethodPost, c.storePath("/heartbeat"), models.HeartbeatRequest{ProductIDs: productIDs}, &out)
	return out.Touched, err
}

// Products fetches the authoritative availability of every product.
func (c *Client) Products(ctx context.Context) ([]models.Availability, error) {
	var out struct {
		Products []models.Availability `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, c.storePath("/products"), nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

// Product fetches the authoritative availability of one product.
func (c *Client) Product(ctx context.Context, productID string) (*models.Availability, error) {
	var a models.Availability
	if err := c.do(ctx, http.MethodGet, c.storePath("/products/", url.PathEscape(productID)), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// beaconBody builds the release-beacon payload for lines.
func (c *Client) beaconBody(lines []models.CartLine) ([]byte, error) {
	return json.Marshal(models.BeaconRequest{
		SessionID: c.sessionID,
		Token:     c.token,
		Items:     lines,
	})
}
