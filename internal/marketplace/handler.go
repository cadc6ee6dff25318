// Package marketplace is the HTTP surface over the settlement engine. It
// decodes requests, identifies the caller and maps engine errors to status
// codes; every rule lives in the engine.
package marketplace

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	appmw "github.com/sudo-init-do/dealhub/internal/middleware"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

type Handler struct {
	engine *settlement.Engine
	logger *zap.Logger
}

func NewHandler(engine *settlement.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Register mounts deal routes on g and dispute resolution on admin.
// Both groups must already run the JWT middleware.
func (h *Handler) Register(g, admin *echo.Group, idem echo.MiddlewareFunc) {
	deals := g.Group("/deals")
	if idem != nil {
		deals.Use(idem)
	}
	deals.POST("", h.CreateDeal, appmw.RequireRoles(settlement.RoleBrand))
	deals.GET("", h.ListDeals)
	deals.GET("/:id", h.GetDeal)
	deals.POST("/:id/accept", h.AcceptDeal, appmw.RequireRoles(settlement.RoleCreator))
	deals.POST("/:id/fund", h.FundDeal, appmw.RequireRoles(settlement.RoleBrand))
	deals.POST("/:id/milestones/:mid/deliverables", h.SubmitDeliverable, appmw.RequireRoles(settlement.RoleCreator))
	deals.POST("/:id/milestones/:mid/approve", h.ApproveMilestone, appmw.RequireRoles(settlement.RoleBrand))
	deals.POST("/:id/disputes", h.OpenDispute, appmw.RequireRoles(settlement.RoleBrand, settlement.RoleCreator))
	deals.POST("/:id/refund", h.RefundDeal, appmw.RequireRoles(settlement.RoleCreator, settlement.RoleAdmin))

	admin.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// POST /deals
func (h *Handler) CreateDeal(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in settlement.CreateDealInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	d, err := h.engine.CreateDeal(c.Request().Context(), a, in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

// GET /deals?state=funded,disputed&limit=20&offset=0
func (h *Handler) ListDeals(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var f settlement.DealFilter
	if s := c.QueryParam("state"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.States = append(f.States, settlement.DealState(strings.TrimSpace(st)))
		}
	}
	f.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	f.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}
	if a.Role == settlement.RoleAdmin {
		f.BrandID = c.QueryParam("brand_id")
		f.CreatorID = c.QueryParam("creator_id")
	}

	deals, err := h.engine.ListDeals(c.Request().Context(), a, f)
	if err != nil {
		return h.fail(c, err)
	}
	if deals == nil {
		deals = []*settlement.Deal{}
	}
	return c.JSON(http.StatusOK, echo.Map{"deals": deals})
}

// GET /deals/:id
func (h *Handler) GetDeal(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	d, err := h.engine.GetDeal(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// POST /deals/:id/accept
func (h *Handler) AcceptDeal(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	d, err := h.engine.AcceptDeal(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// POST /deals/:id/fund
func (h *Handler) FundDeal(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	d, err := h.engine.FundDeal(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// POST /deals/:id/milestones/:mid/deliverables
func (h *Handler) SubmitDeliverable(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in settlement.DeliverableInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	dl, err := h.engine.SubmitDeliverable(c.Request().Context(), a, c.Param("id"), c.Param("mid"), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, dl)
}

// POST /deals/:id/milestones/:mid/approve
// Approval releases the milestone; the response is the resulting payout.
func (h *Handler) ApproveMilestone(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	p, err := h.engine.ApproveMilestone(c.Request().Context(), a, c.Param("id"), c.Param("mid"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// POST /deals/:id/disputes
func (h *Handler) OpenDispute(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in settlement.OpenDisputeInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ds, err := h.engine.OpenDispute(c.Request().Context(), a, c.Param("id"), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, ds)
}

// POST /deals/:id/refund
func (h *Handler) RefundDeal(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in settlement.RefundInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	d, err := h.engine.RefundDeal(c.Request().Context(), a, c.Param("id"), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c echo.Context) error {
	a, ok := appmw.ActorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in settlement.ResolveInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ds, err := h.engine.ResolveDispute(c.Request().Context(), a, c.Param("id"), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ds)
}
