package escrow

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// Classify turns any provider failure into a *settlement.ProviderError.
// Returns: the error and whether it is transient.
func Classify(method string, err error) (*settlement.ProviderError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *settlement.ProviderError
	if errors.As(err, &pe) {
		return pe, pe.Transient
	}

	transient, code := isTransient(err)
	return &settlement.ProviderError{Method: method, Transient: transient, Code: code, Err: err}, transient
}

func isTransient(err error) (bool, string) {
	if errors.Is(err, ErrBreakerOpen) {
		return true, "circuit_open"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "canceled"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// Ledger rail: connection-level Postgres failures can be retried,
	// constraint and data errors cannot.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true, "db_" + pgErr.Code
		}
		return false, "db_" + pgErr.Code
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	// Unknown errors are not retried.
	return false, "unknown_error"
}
