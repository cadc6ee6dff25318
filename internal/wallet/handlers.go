package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Reader is the read side of the ledger used by HTTP handlers.
type Reader interface {
	Wallet(ctx context.Context, userID string) (*Wallet, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

type Handler struct {
	reader Reader
}

func NewHandler(r Reader) *Handler {
	return &Handler{reader: r}
}

// Balance returns the authenticated user's wallet.
func (h *Handler) Balance(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	w, err := h.reader.Wallet(c.Request().Context(), uid)
	if errors.Is(err, ErrWalletNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "wallet not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch wallet"})
	}
	return c.JSON(http.StatusOK, w)
}

// Transactions returns the authenticated user's movements.
func (h *Handler) Transactions(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	return h.list(c, uid)
}

// AdminTransactions lists movements for ?user_id= or for everyone.
func (h *Handler) AdminTransactions(c echo.Context) error {
	return h.list(c, c.QueryParam("user_id"))
}

func (h *Handler) list(c echo.Context, userID string) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	txs, err := h.reader.Transactions(c.Request().Context(), userID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch transactions"})
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txs})
}
