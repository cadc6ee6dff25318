package marketplace

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	appmw "github.com/sudo-init-do/dealhub/internal/middleware"
	"github.com/sudo-init-do/dealhub/internal/settlement"
	"github.com/sudo-init-do/dealhub/internal/settlement/memstore"
)

var secret = []byte("handler-test")

type server struct {
	t        *testing.T
	e        *echo.Echo
	provider *memrail.Provider
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	provider := memrail.New()
	engine := settlement.NewEngine(memstore.New(), provider, logger)

	e := echo.New()
	g := e.Group("", appmw.JWT(secret))
	admin := e.Group("/admin", appmw.JWT(secret), appmw.AdminGuard)
	NewHandler(engine, logger).Register(g, admin, nil)
	return &server{t: t, e: e, provider: provider}
}

func (s *server) do(method, path, userID, role string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, appmw.Claims{UserID: userID, Role: role}).SignedString(secret)
		if err != nil {
			s.t.Fatal(err)
		}
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			s.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

type errBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	State     string `json:"state"`
}

func TestDealFlowOverHTTP(t *testing.T) {
	s := newServer(t)

	var d settlement.Deal
	code := s.do(http.MethodPost, "/deals", "b1", "brand", settlement.CreateDealInput{
		ProjectID:   "p1",
		CreatorID:   "c1",
		Title:       "Unboxing",
		Currency:    "USD",
		TotalAmount: 3000,
		Milestones:  []settlement.MilestoneInput{{Title: "cut", Amount: 3000}},
	}, &d)
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	mid := d.Milestones[0].ID
	base := "/deals/" + d.ID

	if code := s.do(http.MethodPost, base+"/accept", "c1", "creator", nil, nil); code != http.StatusOK {
		t.Fatalf("accept = %d", code)
	}
	if code := s.do(http.MethodPost, base+"/fund", "b1", "brand", nil, &d); code != http.StatusOK || d.State != settlement.DealFunded {
		t.Fatalf("fund = %d state %s", code, d.State)
	}
	if code := s.do(http.MethodPost, base+"/milestones/"+mid+"/deliverables", "c1", "creator",
		settlement.DeliverableInput{ContentRef: "https://cdn.test/cut.mp4"}, nil); code != http.StatusCreated {
		t.Fatalf("submit = %d", code)
	}

	// route-level role check
	if code := s.do(http.MethodPost, base+"/milestones/"+mid+"/approve", "c1", "creator", nil, nil); code != http.StatusForbidden {
		t.Errorf("creator approve = %d", code)
	}

	var p settlement.Payout
	if code := s.do(http.MethodPost, base+"/milestones/"+mid+"/approve", "b1", "brand", nil, &p); code != http.StatusOK {
		t.Fatalf("approve = %d", code)
	}
	if p.Status != settlement.PayoutSucceeded || p.Amount != 3000 {
		t.Errorf("payout = %+v", p)
	}

	var eb errBody
	if code := s.do(http.MethodPost, base+"/milestones/"+mid+"/approve", "b1", "brand", nil, &eb); code != http.StatusConflict {
		t.Errorf("second approve = %d", code)
	}
	if eb.Kind != settlement.KindGuard.String() || eb.State != string(settlement.MilestoneReleased) || eb.Retryable {
		t.Errorf("guard body = %+v", eb)
	}

	if code := s.do(http.MethodGet, base, "c1", "creator", nil, &d); code != http.StatusOK || d.State != settlement.DealReleased {
		t.Errorf("get = %d state %s", code, d.State)
	}
	if code := s.do(http.MethodGet, base, "c9", "creator", nil, nil); code != http.StatusForbidden {
		t.Errorf("stranger get = %d", code)
	}
	if code := s.do(http.MethodGet, "/deals/nope", "b1", "brand", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing deal = %d", code)
	}
	if code := s.do(http.MethodGet, base, "", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d", code)
	}

	var list struct {
		Deals []settlement.Deal `json:"deals"`
	}
	if code := s.do(http.MethodGet, "/deals?state=released", "b1", "brand", nil, &list); code != http.StatusOK || len(list.Deals) != 1 {
		t.Errorf("list = %d, %d deals", code, len(list.Deals))
	}
	if code := s.do(http.MethodGet, "/deals", "b2", "brand", nil, &list); code != http.StatusOK || len(list.Deals) != 0 {
		t.Errorf("other brand sees %d deals", len(list.Deals))
	}
}

func TestDisputeAndProviderErrorsOverHTTP(t *testing.T) {
	s := newServer(t)

	var d settlement.Deal
	s.do(http.MethodPost, "/deals", "b1", "brand", settlement.CreateDealInput{
		ProjectID: "p1", CreatorID: "c1", Currency: "USD", TotalAmount: 1000,
		Milestones: []settlement.MilestoneInput{{Title: "all", Amount: 1000}},
	}, &d)
	base := "/deals/" + d.ID
	s.do(http.MethodPost, base+"/accept", "c1", "creator", nil, nil)

	s.provider.FailNext(memrail.MethodFund, memrail.ErrTransient)
	var eb errBody
	if code := s.do(http.MethodPost, base+"/fund", "b1", "brand", nil, &eb); code != http.StatusServiceUnavailable || !eb.Retryable {
		t.Errorf("transient fund = %d %+v", code, eb)
	}
	s.do(http.MethodPost, base+"/fund", "b1", "brand", nil, nil)

	if code := s.do(http.MethodPost, base+"/disputes", "b1", "brand", settlement.OpenDisputeInput{}, &eb); code != http.StatusBadRequest {
		t.Errorf("dispute without reason = %d", code)
	}
	var ds settlement.Dispute
	if code := s.do(http.MethodPost, base+"/disputes", "b1", "brand", settlement.OpenDisputeInput{Reason: "no show"}, &ds); code != http.StatusCreated {
		t.Fatalf("open dispute = %d", code)
	}

	resolve := "/admin/disputes/" + ds.ID + "/resolve"
	if code := s.do(http.MethodPost, resolve, "b1", "brand", settlement.ResolveInput{Outcome: settlement.OutcomeRefund}, nil); code != http.StatusForbidden {
		t.Errorf("brand resolve = %d", code)
	}
	s.provider.FailNext(memrail.MethodRefund, memrail.ErrPermanent)
	if code := s.do(http.MethodPost, resolve, "a1", "admin", settlement.ResolveInput{Outcome: settlement.OutcomeRefund}, &eb); code != http.StatusUnprocessableEntity {
		t.Errorf("permanent refund = %d %+v", code, eb)
	}
	if code := s.do(http.MethodPost, resolve, "a1", "admin", settlement.ResolveInput{Outcome: settlement.OutcomeRefund}, &ds); code != http.StatusOK {
		t.Fatalf("resolve = %d", code)
	}
	if ds.State != settlement.DisputeResolved {
		t.Errorf("dispute = %s", ds.State)
	}
	s.do(http.MethodGet, base, "b1", "brand", nil, &d)
	if d.State != settlement.DealRefunded {
		t.Errorf("deal = %s", d.State)
	}

	if code := s.do(http.MethodPost, base+"/refund", "b1", "brand", nil, nil); code != http.StatusForbidden {
		t.Errorf("brand refund = %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[settlement.Kind]int{
		settlement.KindValidation:        http.StatusBadRequest,
		settlement.KindForbidden:         http.StatusForbidden,
		settlement.KindNotFound:          http.StatusNotFound,
		settlement.KindGuard:             http.StatusConflict,
		settlement.KindConflict:          http.StatusConflict,
		settlement.KindProviderTransient: http.StatusServiceUnavailable,
		settlement.KindProviderPermanent: http.StatusUnprocessableEntity,
		settlement.KindInvariant:         http.StatusInternalServerError,
		settlement.KindUnknown:           http.StatusInternalServerError,
	}
	for k, want := range tests {
		if got := statusFor(k); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", k, got, want)
		}
	}
}
