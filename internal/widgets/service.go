package widgets

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// TokenIssuer mints session tokens after register and login.
type TokenIssuer interface {
	Issue(userID, tenantID string) (string, domain.Session, error)
}

// Service implements the widget handlers.
type Service struct {
	tokens     TokenIssuer
	now        func() time.Time
	bcryptCost int
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBcryptCost overrides the password hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// New creates a Service. tokens may be nil, in which case register and
// login fail with an internal error.
func New(tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		tokens:     tokens,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers maps route names to handlers.
func (s *Service) Handlers() map[string]gateway.HandlerFunc {
	return map[string]gateway.HandlerFunc{
		RouteCommentsList:      s.listComments,
		RouteCommentsCreate:    s.createComment,
		RouteReviewsList:       s.listReviews,
		RouteReviewsCreate:     s.createReview,
		RouteNotificationsList: s.listNotifications,
		RouteNotificationsRead: s.markNotificationRead,
		RouteAuthRegister:      s.register,
		RouteAuthLogin:         s.login,
		RouteAuthMe:            s.me,
	}
}
