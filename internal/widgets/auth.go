package widgets

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// registerInput is the validated body of a registration. bcrypt reads at
// most 72 bytes of a password.
type registerInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type loginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// User is a visitor account on the tenant's site.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

func (s *Service) register(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	in, err := readInput(r)
	if err != nil {
		return err
	}

	u := User{
		Email:     strings.ToLower(in.str("email")),
		Name:      in.str("name"),
		CreatedAt: s.now().UTC(),
	}
	password := in.str("password")

	if err := check(registerInput{Email: u.Email, Name: u.Name, Password: password}); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return domain.ErrInternal().WithCause(err)
	}
	u.PasswordHash = string(hash)

	tx, err := sc.Conn.BeginTxx(r.Context(), nil)
	if err != nil {
		return domain.ErrDatabase(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(r.Context(),
		`INSERT INTO users (email, name, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.Email, u.Name, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrValidation("Validation failed", map[string]string{"email": "is already registered"})
		}
		return domain.ErrDatabase(err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return domain.ErrDatabase(err)
	}
	if _, err := tx.ExecContext(r.Context(),
		`INSERT INTO notifications (user_id, message, created_at) VALUES (?, ?, ?)`,
		u.ID, "Welcome, "+u.Name+"!", u.CreatedAt); err != nil {
		return domain.ErrDatabase(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrDatabase(err)
	}

	return s.issue(w, r, sc, http.StatusCreated, "Account created", u)
}

func (s *Service) login(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	in, err := readInput(r)
	if err != nil {
		return err
	}
	email := strings.ToLower(in.str("email"))
	password := in.str("password")
	if err := check(loginInput{Email: email, Password: password}); err != nil {
		return err
	}

	var u User
	err = sc.Conn.GetContext(r.Context(), &u,
		`SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?`, email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrUnauthorized("Invalid email or password")
	case err != nil:
		return domain.ErrDatabase(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.ErrUnauthorized("Invalid email or password")
	}

	return s.issue(w, r, sc, http.StatusOK, "Logged in", u)
}

func (s *Service) me(w http.ResponseWriter, r *http.Request, sc *gateway.Scope) error {
	u, err := s.sessionUser(r, sc)
	if err != nil {
		return err
	}
	gateway.Respond(w, r, http.StatusOK, "Session active", map[string]any{
		"user":       u,
		"expires_at": sc.Session.Expires,
	})
	return nil
}

func (s *Service) issue(w http.ResponseWriter, r *http.Request, sc *gateway.Scope, status int, message string, u User) error {
	if s.tokens == nil {
		return domain.ErrInternal().WithCause(errors.New("session tokens are not configured"))
	}
	tok, session, err := s.tokens.Issue(strconv.FormatInt(u.ID, 10), sc.Tenant.ID)
	if err != nil {
		return domain.ErrInternal().WithCause(err)
	}
	gateway.Respond(w, r, status, message, sessionResponse{Token: tok, ExpiresAt: session.Expires, User: u})
	return nil
}

// sessionUser loads the user named by the verified session.
func (s *Service) sessionUser(r *http.Request, sc *gateway.Scope) (*User, error) {
	id, err := sessionUserID(sc)
	if err != nil {
		return nil, err
	}
	var u User
	err = sc.Conn.GetContext(r.Context(), &u,
		`SELECT id, email, name, password_hash, created_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthorized("Session user no longer exists")
	}
	if err != nil {
		return nil, domain.ErrDatabase(err)
	}
	return &u, nil
}
