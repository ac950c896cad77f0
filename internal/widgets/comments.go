package widgets

import (
	"net/http"
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// commentInput is the validated body of a new comment.
type commentInput struct {
	PageID     string `json:"page_id" validate:"required,max=200"`
	AuthorName string `json:"author_name" validate:"required,max=100"`
	Body       string `json:"body" validate:"required,max=5000"`
}

// Comment is a published comment on an embedding page.
type Comment struct {
	ID         int64     `db:"id" json:"id"`
	PageID     string    `db:"page_id" json:"page_id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	AuthorName string    `db:"author_name" json:"author_name"`
	Body       string    `db:"body" json:"body"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func (s *Service) listComments(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	pageID := r.URL.Query().Get("page_id")
	if pageID == "" {
		return domain.ErrValidation("Validation failed", map[string]string{"page_id": "is required"})
	}

	comments := []Comment{}
	if err := sc.Conn.SelectContext(r.Context(), &comments, `
SELECT id, page_id, user_id, author_name, body, created_at
FROM comments
WHERE page_id = ? AND status = 'published'
ORDER BY created_at DESC, id DESC
LIMIT ?`, pageID, pageLimit(r)); err != nil {
		return domain.ErrDatabase(err)
	}

	gateway.Respond(w, r, http.StatusOK, "Comments loaded", map[string]any{"comments": comments})
	return nil
}

func (s *Service) createComment(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	in, err := readInput(r)
	if err != nil {
		return err
	}

	c := Comment{
		PageID:     in.str("page_id"),
		AuthorName: in.str("author_name"),
		Body:       in.str("body"),
		CreatedAt:  s.now().UTC(),
	}
	if sc.Session != nil {
		u, err := s.sessionUser(r, sc)
		if err != nil {
			return err
		}
		c.UserID, c.AuthorName = &u.ID, u.Name
	}

	if err := check(commentInput{PageID: c.PageID, AuthorName: c.AuthorName, Body: c.Body}); err != nil {
		return err
	}

	res, err := sc.Conn.ExecContext(r.Context(),
		`INSERT INTO comments (page_id, user_id, author_name, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.PageID, c.UserID, c.AuthorName, c.Body, c.CreatedAt)
	if err != nil {
		return domain.ErrDatabase(err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return domain.ErrDatabase(err)
	}

	gateway.Respond(w, r, http.StatusCreated, "Comment posted", c)
	return nil
}
