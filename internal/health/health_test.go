package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{"all up", []Check{{"db", stubPinger{}}, {"mq", stubPinger{}}}, http.StatusOK, "ready"},
		{"broker down", []Check{{"db", stubPinger{}}, {"mq", stubPinger{errors.New("closed")}}}, http.StatusServiceUnavailable, "mq_not_ready"},
		{"db down first", []Check{{"db", stubPinger{errors.New("refused")}}, {"mq", stubPinger{errors.New("closed")}}}, http.StatusServiceUnavailable, "db_not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			Register(e, tt.checks...)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantCode || !strings.Contains(rec.Body.String(), tt.wantStatus) {
				t.Errorf("ready = %d %s, want %d %s", rec.Code, rec.Body.String(), tt.wantCode, tt.wantStatus)
			}
		})
	}
}
