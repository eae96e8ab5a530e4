package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/payment"
	"purchase-service/internal/service"
	"purchase-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_handler_test"
)

// stubStore answers from fixed fields; only what the routes under test touch is populated.
type stubStore struct {
	course      *models.Course
	purchased   bool
	completions int
	purchases   []models.PurchaseWithCourse
}

func (s *stubStore) GetCourseByID(_ context.Context, id string) (*models.Course, error) {
	if s.course == nil || s.course.ID != id {
		return nil, store.ErrNotFound
	}
	return s.course, nil
}

func (s *stubStore) GetLecturesByCourseID(context.Context, string) ([]models.Lecture, error) {
	return []models.Lecture{}, nil
}

func (s *stubStore) CreatePurchase(context.Context, *models.Purchase) error { return nil }

func (s *stubStore) CompletePurchase(_ context.Context, sessionID string, amountCents int64) (*models.Purchase, store.CompletionResult, error) {
	if sessionID != "cs_test_known" {
		return nil, store.CompletionApplied, store.ErrNotFound
	}
	s.completions++
	result := store.CompletionApplied
	if s.completions > 1 {
		result = store.CompletionAlreadyApplied
	}
	return &models.Purchase{
		ID:               "p1",
		CourseID:         "c1",
		UserID:           "u1",
		AmountCents:      amountCents,
		Status:           models.PurchaseStatusCompleted,
		PaymentSessionID: sessionID,
	}, result, nil
}

func (s *stubStore) FailPurchase(context.Context, string, string) (*models.Purchase, bool, error) {
	return nil, false, store.ErrNotFound
}

func (s *stubStore) ListStalePending(context.Context, time.Time, int) ([]models.Purchase, error) {
	return []models.Purchase{}, nil
}

func (s *stubStore) HasCompletedPurchase(_ context.Context, userID, courseID string) (bool, error) {
	return s.purchased && userID == "u1" && courseID == "c1", nil
}

func (s *stubStore) ListCompletedPurchases(context.Context) ([]models.PurchaseWithCourse, error) {
	return s.purchases, nil
}

func (s *stubStore) ListCompletedPurchasesByUser(context.Context, string) ([]models.PurchaseWithCourse, error) {
	return s.purchases, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishPurchaseCompleted(context.Context, *models.PurchaseCompletedEvent) error {
	return nil
}

func (nopPublisher) PublishPurchaseFailed(context.Context, *models.PurchaseFailedEvent) error {
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func setupRouter(st *stubStore, readiness map[string]Pinger) *gin.Engine {
	gin.SetMode(gin.TestMode)

	provider := payment.NewStripeProvider("sk_test_unused", testWebhookSecret, time.Second)
	checkout := service.NewCheckoutService(st, provider, service.CheckoutConfig{
		FrontendURL:  "http://localhost:5173",
		StoreTimeout: time.Second,
	})
	reconciler := service.NewReconciler(st, provider, nopPublisher{}, time.Second, time.Second)
	entitlement := service.NewEntitlementService(st, nil, time.Hour, time.Second)

	router := gin.New()
	NewHandler(checkout, reconciler, entitlement, testJWTSecret, readiness).SetupRoutes(router)
	return router
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func userToken(t *testing.T) string {
	return signToken(t, testJWTSecret, jwt.MapClaims{
		"userId": "u1",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
}

func doRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	return signToken(t, testJWTSecret, jwt.MapClaims{
		"userId": "ops1",
		"role":   RoleAdmin,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
}

func authedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	return requestWithToken(method, path, body, userToken(t))
}

func requestWithToken(method, path string, body []byte, token string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func webhookRequest(payload []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	return req
}

func stripeSignature(payload []byte, secret string) string {
	now := time.Now()
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, secret)))
}

func completedPayload(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":%q,"object":"checkout.session","amount_total":1999,"currency":"usd"}}}`, sessionID))
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := map[string]Pinger{"postgres": pingFunc(func(context.Context) error { return nil })}
	router := setupRouter(&stubStore{}, healthy)

	w := doRequest(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	broken := map[string]Pinger{"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") })}
	router = setupRouter(&stubStore{}, broken)
	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestAuthMiddleware(t *testing.T) {
	router := setupRouter(&stubStore{purchased: true}, nil)
	path := "/api/v1/purchases/c1/status"

	t.Run("no token", func(t *testing.T) {
		w := doRequest(router, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", jwt.MapClaims{"userId": "u1"}))
		w := doRequest(router, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testJWTSecret, jwt.MapClaims{
			"userId": "u1",
			"exp":    time.Now().Add(-time.Minute).Unix(),
		}))
		w := doRequest(router, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(&http.Cookie{Name: authCookieName, Value: userToken(t)})
		w := doRequest(router, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"purchased":true}`, w.Body.String())
	})
}

func TestCreateCheckoutRoute(t *testing.T) {
	router := setupRouter(&stubStore{}, nil)

	w := doRequest(router, authedRequest(t, http.MethodPost, "/api/v1/purchases/checkout", []byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, authedRequest(t, http.MethodPost, "/api/v1/purchases/checkout", []byte(`{"courseId":"missing"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRoute(t *testing.T) {
	st := &stubStore{}
	router := setupRouter(st, nil)

	t.Run("tampered payload", func(t *testing.T) {
		payload := completedPayload("cs_test_known")
		sig := stripeSignature(payload, testWebhookSecret)
		tampered := bytes.Replace(payload, []byte("1999"), []byte("1"), 1)

		w := doRequest(router, webhookRequest(tampered, sig))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 0, st.completions)
		assert.NotContains(t, w.Body.String(), "v1=")
	})

	t.Run("missing signature", func(t *testing.T) {
		w := doRequest(router, webhookRequest(completedPayload("cs_test_known"), ""))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 0, st.completions)
	})

	t.Run("unknown session", func(t *testing.T) {
		payload := completedPayload("cs_test_unknown")
		w := doRequest(router, webhookRequest(payload, stripeSignature(payload, testWebhookSecret)))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("completed then redelivered", func(t *testing.T) {
		payload := completedPayload("cs_test_known")
		sig := stripeSignature(payload, testWebhookSecret)

		w := doRequest(router, webhookRequest(payload, sig))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true,"outcome":"completed"}`, w.Body.String())

		w = doRequest(router, webhookRequest(payload, sig))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true,"outcome":"already_applied"}`, w.Body.String())
	})

	t.Run("fallback signature header", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`)
		req := webhookRequest(payload, "")
		req.Header.Set("Signature", stripeSignature(payload, testWebhookSecret))

		w := doRequest(router, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true,"outcome":"ignored"}`, w.Body.String())
	})
}

func TestPurchaseReadRoutes(t *testing.T) {
	st := &stubStore{course: &models.Course{ID: "c1", Title: "Go", PriceCents: 1999}}
	router := setupRouter(st, nil)

	w := doRequest(router, authedRequest(t, http.MethodGet, "/api/v1/purchases/c1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"purchased":false}`, w.Body.String())

	w = doRequest(router, authedRequest(t, http.MethodGet, "/api/v1/purchases", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, requestWithToken(http.MethodGet, "/api/v1/purchases", nil, adminToken(t)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"purchases":[]}`, w.Body.String())

	st.purchased = true
	st.purchases = []models.PurchaseWithCourse{{
		Purchase:    models.Purchase{ID: "p1", CourseID: "c1", UserID: "u1", AmountCents: 1999, Status: models.PurchaseStatusCompleted},
		CourseTitle: "Go",
	}}

	w = doRequest(router, authedRequest(t, http.MethodGet, "/api/v1/purchases/c1/detail", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Course    models.Course `json:"course"`
		Purchased bool          `json:"purchased"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "c1", detail.Course.ID)
	assert.True(t, detail.Purchased)

	w = doRequest(router, authedRequest(t, http.MethodGet, "/api/v1/purchases/mine", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var mine struct {
		Purchases []map[string]interface{} `json:"purchases"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine.Purchases, 1)
	assert.Equal(t, 19.99, mine.Purchases[0]["amount"])
	assert.Equal(t, "Go", mine.Purchases[0]["course_title"])

	w = doRequest(router, authedRequest(t, http.MethodGet, "/api/v1/purchases/missing/detail", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
