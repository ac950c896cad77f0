package widgets

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// Notification is a message addressed to one user of the tenant's site.
type Notification struct {
	ID        int64      `db:"id" json:"id"`
	Message   string     `db:"message" json:"message"`
	ReadAt    *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

func (s *Service) listNotifications(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	userID, err := sessionUserID(sc)
	if err != nil {
		return err
	}

	items := []Notification{}
	if err := sc.Conn.SelectContext(r.Context(), &items, `
SELECT id, message, read_at, created_at
FROM notifications
WHERE user_id = ?
ORDER BY read_at IS NOT NULL, created_at DESC, id DESC
LIMIT ?`, userID, pageLimit(r)); err != nil {
		return domain.ErrDatabase(err)
	}

	unread := 0
	for _, n := range items {
		if n.ReadAt == nil {
			unread++
		}
	}
	gateway.Respond(w, r, http.StatusOK, "Notifications loaded", map[string]any{
		"notifications": items,
		"unread":        unread,
	})
	return nil
}

func (s *Service) markNotificationRead(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	userID, err := sessionUserID(sc)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return domain.ErrNotFound("Notification not found")
	}

	var n Notification
	err = sc.Conn.GetContext(r.Context(), &n,
		`SELECT id, message, read_at, created_at FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound("Notification not found")
	}
	if err != nil {
		return domain.ErrDatabase(err)
	}

	if n.ReadAt == nil {
		now := s.now().UTC()
		if _, err := sc.Conn.ExecContext(r.Context(),
			`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, now, id); err != nil {
			return domain.ErrDatabase(err)
		}
		n.ReadAt = &now
	}

	gateway.Respond(w, r, http.StatusOK, "Notification marked as read", n)
	return nil
}

func sessionUserID(sc *gateway.Scope) (int64, error) {
	if sc.Session == nil {
		return 0, domain.ErrUnauthorized("Session token required")
	}
	id, err := strconv.ParseInt(sc.Session.UserID, 10, 64)
	if err != nil {
		return 0, domain.ErrUnauthorized("Invalid or expired session token")
	}
	return id, nil
}
