package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/gate"
)

type fakeGate struct {
	mu          sync.Mutex
	view        gate.View
	restores    int
	purchases   []string
	purchaseErr error
}

func (f *fakeGate) Current() gate.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeGate) Restore(ctx context.Context) gate.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return f.view
}

func (f *fakeGate) RequestPurchase(ctx context.Context, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, productID)
	return f.purchaseErr
}

type fakeEngine struct {
	decision  entitlement.AccessDecision
	snapshot  entitlement.Snapshot
	verifyErr error
}

func (f *fakeEngine) Decision() entitlement.AccessDecision { return f.decision }
func (f *fakeEngine) Ledger() entitlement.Snapshot         { return f.snapshot }

func (f *fakeEngine) Verify(ctx context.Context, force bool) (entitlement.AccessDecision, error) {
	return f.decision, f.verifyErr
}

func setupRouter(t *testing.T, g *fakeGate, e *fakeEngine) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewEntitlementHandler(g, e, zerolog.Nop())
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func allowedFixtures() (*fakeGate, *fakeEngine) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	decision := entitlement.AccessDecision{
		Allowed:        true,
		Status:         entitlement.StatusSubscribed,
		LastVerifiedAt: now.Add(-time.Hour),
		Revision:       2,
		EvaluatedAt:    now,
	}
	var snap entitlement.Snapshot
	snap = snap.Apply(entitlement.Transaction{
		ProductID:     "peter.plus.monthly",
		TransactionID: "txn-1",
		PurchaseTime:  now.Add(-time.Hour),
	}, now)
	snap = snap.Apply(entitlement.Transaction{
		ProductID:     "peter.plus.annual",
		TransactionID: "txn-2",
		PurchaseTime:  now,
	}, now)

	g := &fakeGate{view: gate.View{State: gate.StateAllowed, Decision: decision}}
	e := &fakeEngine{decision: decision, snapshot: snap}
	return g, e
}

func TestGetEntitlement(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/entitlement", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var view gate.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, gate.StateAllowed, view.State)
	assert.True(t, view.Decision.Allowed)
}

func TestGetStatus(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/entitlement/status", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, entitlement.StatusSubscribed, resp.Status)
	assert.Equal(t, 2, resp.Transactions)
	assert.Equal(t, uint64(2), resp.Revision)
}

func TestVerifyEndpoint(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entitlement/verify", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Decision entitlement.AccessDecision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Decision.Allowed)
}

func TestVerifyEndpointFailureStillRenderable(t *testing.T) {
	g, e := allowedFixtures()
	e.verifyErr = errors.New("connection refused")
	e.decision = entitlement.AccessDecision{Status: entitlement.StatusSubscribed}
	r := setupRouter(t, g, e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entitlement/verify", nil))

	// Even a failed verification answers 200 with the fail-closed decision.
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Decision entitlement.AccessDecision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Decision.Allowed)
}

func TestRestoreEndpoint(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entitlement/restore", nil))

	require.Equal(t, http.StatusOK, w.Code)
	g.mu.Lock()
	assert.Equal(t, 1, g.restores)
	g.mu.Unlock()
}

func TestRequestPurchase(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	body := strings.NewReader(`{"product_id": "peter.plus.annual"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", body)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	g.mu.Lock()
	assert.Equal(t, []string{"peter.plus.annual"}, g.purchases)
	g.mu.Unlock()
}

func TestRequestPurchaseValidation(t *testing.T) {
	g, e := allowedFixtures()
	r := setupRouter(t, g, e)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	g.mu.Lock()
	assert.Empty(t, g.purchases)
	g.mu.Unlock()
}

func TestRequestPurchasePlatformDown(t *testing.T) {
	g, e := allowedFixtures()
	g.purchaseErr = errors.New("platform unavailable")
	r := setupRouter(t, g, e)

	body := strings.NewReader(`{"product_id": "peter.plus.annual"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", body)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}
