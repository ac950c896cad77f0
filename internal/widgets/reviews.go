package widgets

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// Review is a star rating from 1 to 5 with an optional body.
type Review struct {
	ID         int64     `db:"id" json:"id"`
	PageID     string    `db:"page_id" json:"page_id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	AuthorName string    `db:"author_name" json:"author_name"`
	Rating     int       `db:"rating" json:"rating"`
	Body       string    `db:"body" json:"body"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

const (
	minRating = 1
	maxRating = 5
)

// reviewInput is the validated body of a new review. A rating that is absent
// or not a whole number stays nil.
type reviewInput struct {
	PageID     string `json:"page_id" validate:"required,max=200"`
	AuthorName string `json:"author_name" validate:"required,max=100"`
	Body       string `json:"body" validate:"max=5000"`
	Rating     *int   `json:"rating" validate:"required,rating"`
}

// ReviewSummary aggregates the ratings of one page.
type ReviewSummary struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

func (s *Service) listReviews(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	pageID := r.URL.Query().Get("page_id")
	if pageID == "" {
		return domain.ErrValidation("Validation failed", map[string]string{"page_id": "is required"})
	}

	reviews := []Review{}
	if err := sc.Conn.SelectContext(r.Context(), &reviews, `
SELECT id, page_id, user_id, author_name, rating, body, created_at
FROM reviews
WHERE page_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, pageID, pageLimit(r)); err != nil {
		return domain.ErrDatabase(err)
	}

	var agg struct {
		Count   int             `db:"count"`
		Average sql.NullFloat64 `db:"average"`
	}
	if err := sc.Conn.GetContext(r.Context(), &agg,
		`SELECT COUNT(*) AS count, AVG(rating) AS average FROM reviews WHERE page_id = ?`, pageID); err != nil {
		return domain.ErrDatabase(err)
	}

	gateway.Respond(w, r, http.StatusOK, "Reviews loaded", map[string]any{
		"reviews": reviews,
		"summary": ReviewSummary{Count: agg.Count, Average: agg.Average.Float64},
	})
	return nil
}

func (s *Service) createReview(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	in, err := readInput(r)
	if err != nil {
		return err
	}

	rv := Review{
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
		rv.UserID, rv.AuthorName = &u.ID, u.Name
	}

	ri := reviewInput{PageID: rv.PageID, AuthorName: rv.AuthorName, Body: rv.Body}
	if n, ok := in.integer("rating"); ok {
		ri.Rating = &n
	}
	if err := check(ri); err != nil {
		return err
	}
	rv.Rating = *ri.Rating

	res, err := sc.Conn.ExecContext(r.Context(),
		`INSERT INTO reviews (page_id, user_id, author_name, rating, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rv.PageID, rv.UserID, rv.AuthorName, rv.Rating, rv.Body, rv.CreatedAt)
	if err != nil {
		return domain.ErrDatabase(err)
	}
	if rv.ID, err = res.LastInsertId(); err != nil {
		return domain.ErrDatabase(err)
	}

	gateway.Respond(w, r, http.StatusCreated, "Review posted", rv)
	return nil
}
