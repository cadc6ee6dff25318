package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/sudo-init-do/dealhub/internal/metrics"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

var secret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWT(t *testing.T) {
	valid := sign(t, jwt.SigningMethodHS256, secret, Claims{UserID: "u1", Role: "brand"})
	expired := sign(t, jwt.SigningMethodHS256, secret, Claims{
		UserID: "u1", Role: "brand",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	otherKey := sign(t, jwt.SigningMethodHS256, []byte("other"), Claims{UserID: "u1", Role: "brand"})
	hs512 := sign(t, jwt.SigningMethodHS512, secret, Claims{UserID: "u1", Role: "brand"})
	noRole := sign(t, jwt.SigningMethodHS256, secret, Claims{UserID: "u1"})
	subject := sign(t, jwt.SigningMethodHS256, secret, Claims{Role: "creator", RegisteredClaims: jwt.RegisteredClaims{Subject: "u7"}})

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{"valid", "Bearer " + valid, http.StatusOK, "u1"},
		{"subject fallback", "Bearer " + subject, http.StatusOK, "u7"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized, ""},
		{"wrong alg", "Bearer " + hs512, http.StatusUnauthorized, ""},
		{"no role", "Bearer " + noRole, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var gotUser string
			h := JWT(secret)(func(c echo.Context) error {
				gotUser, _ = c.Get("user_id").(string)
				return c.NoContent(http.StatusOK)
			})
			if err := h(c); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.wantCode || gotUser != tt.wantUser {
				t.Errorf("code %d user %q, want %d %q", rec.Code, gotUser, tt.wantCode, tt.wantUser)
			}
		})
	}
}

func TestRequireRolesAndActor(t *testing.T) {
	tests := []struct {
		role string
		want int
	}{
		{"admin", http.StatusOK},
		{"brand", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		c.Set("role", tt.role)
		_ = AdminGuard(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
		if rec.Code != tt.want {
			t.Errorf("role %q: code %d, want %d", tt.role, rec.Code, tt.want)
		}
	}

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.Set("user_id", "u1")
	c.Set("role", string(settlement.RoleSystem))
	if _, ok := ActorFrom(c); ok {
		t.Error("system role accepted from a token")
	}
	c.Set("role", string(settlement.RoleCreator))
	if a, ok := ActorFrom(c); !ok || a.ID != "u1" || a.Role != settlement.RoleCreator {
		t.Errorf("actor = %+v, %v", a, ok)
	}
}

type memIdem struct {
	mu   sync.Mutex
	keys map[string]*StoredResponse
}

func (m *memIdem) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = nil
	return true, nil
}

func (m *memIdem) Load(_ context.Context, key string) (*StoredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memIdem) Save(_ context.Context, key string, resp StoredResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = &resp
	return nil
}

func (m *memIdem) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	store := &memIdem{keys: map[string]*StoredResponse{}}
	e := echo.New()
	calls := 0
	status := http.StatusCreated
	e.POST("/deals", func(c echo.Context) error {
		calls++
		return c.JSON(status, echo.Map{"call": calls})
	}, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", "brand-1")
			return next(c)
		}
	}, Idempotency(store, time.Hour, zaptest.NewLogger(t)))

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/deals", strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	first := do("k1")
	second := do("k1")
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s, first %s", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay not marked")
	}

	do("")
	do("")
	if calls != 3 {
		t.Errorf("requests without a key ran %d times total", calls)
	}

	// server errors release the key
	status = http.StatusServiceUnavailable
	do("k2")
	status = http.StatusCreated
	if rec := do("k2"); rec.Code != http.StatusCreated {
		t.Errorf("retry after 503 = %d", rec.Code)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestIdempotencyReleasesRetryableConflict(t *testing.T) {
	store := &memIdem{keys: map[string]*StoredResponse{}}
	e := echo.New()
	calls := 0
	e.POST("/deals/:id/fund", func(c echo.Context) error {
		calls++
		if calls == 1 {
			MarkRetryable(c)
			return c.JSON(http.StatusConflict, echo.Map{"kind": "conflict", "retryable": true})
		}
		return c.JSON(http.StatusOK, echo.Map{"state": "funded"})
	}, Idempotency(store, time.Hour, zaptest.NewLogger(t)))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/deals/d1/fund", nil)
		req.Header.Set(HeaderIdempotencyKey, "fund-1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusConflict {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusOK || rec.Header().Get("Idempotent-Replayed") != "" {
		t.Errorf("retry after conflict = %d replayed=%q", rec.Code, rec.Header().Get("Idempotent-Replayed"))
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestIdempotencyReplaysGuardConflict(t *testing.T) {
	store := &memIdem{keys: map[string]*StoredResponse{}}
	e := echo.New()
	calls := 0
	e.POST("/deals/:id/fund", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusConflict, echo.Map{"kind": "guard", "retryable": false})
	}, Idempotency(store, time.Hour, zaptest.NewLogger(t)))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/deals/d1/fund", nil)
		req.Header.Set(HeaderIdempotencyKey, "fund-1")
		e.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want the guard answer replayed", calls)
	}
}

func TestIdempotencyInProgress(t *testing.T) {
	store := &memIdem{keys: map[string]*StoredResponse{"idem::POST:/deals:k": nil}}
	e := echo.New()
	e.POST("/deals", func(c echo.Context) error { return c.NoContent(http.StatusCreated) },
		Idempotency(store, time.Hour, zaptest.NewLogger(t)))

	req := httptest.NewRequest(http.MethodPost, "/deals", nil)
	req.Header.Set(HeaderIdempotencyKey, "k")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rec.Code)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	e := echo.New()
	e.Use(Metrics())
	e.GET("/deals/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)
	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deals/"+id, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if got := testutil.CollectAndCount(metrics.HTTPRequestDuration) - before; got != 1 {
		t.Errorf("new series = %d, want 1", got)
	}
}
