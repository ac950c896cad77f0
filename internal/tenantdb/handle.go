package tenantdb

import (
	"errors"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
)

// Handle is a live connection to one tenant's storage, owned by the request
// that acquired it. It must not be shared across goroutines.
type Handle struct {
	TenantID string
	Path     string

	db       *sqlx.DB
	conn     *sqlx.Conn
	router   *Router
	released atomic.Bool
}

// Conn returns the tenant connection.
func (h *Handle) Conn() *sqlx.Conn {
	return h.conn
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Release closes the connection and its file. Only the first call has any effect.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	defer h.router.released()
	return errors.Join(h.conn.Close(), h.db.Close())
}
