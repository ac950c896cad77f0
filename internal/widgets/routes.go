// Package widgets holds the widget API handlers that run behind the gateway
// pipeline. Every handler works only through the tenant connection in the
// request scope.
package widgets

import (
	"net/http"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/gateway"
)

// Prefix is where the widget API is mounted.
const Prefix = "/api"

// Route names.
const (
	RouteCommentsList      = "comments.list"
	RouteCommentsCreate    = "comments.create"
	RouteReviewsList       = "reviews.list"
	RouteReviewsCreate     = "reviews.create"
	RouteNotificationsList = "notifications.list"
	RouteNotificationsRead = "notifications.read"
	RouteAuthRegister      = "auth.register"
	RouteAuthLogin         = "auth.login"
	RouteAuthMe            = "auth.me"
)

// Routes returns the route → capability table for the widget API.
func Routes() []gateway.Route {
	return []gateway.Route{
		{Name: RouteCommentsList, Method: http.MethodGet, Pattern: Prefix + "/comments", Permission: domain.PermCommentsRead, Class: domain.ClassRead},
		{Name: RouteCommentsCreate, Method: http.MethodPost, Pattern: Prefix + "/comments", Permission: domain.PermCommentsWrite, Class: domain.ClassWrite},
		{Name: RouteReviewsList, Method: http.MethodGet, Pattern: Prefix + "/reviews", Permission: domain.PermReviewsRead, Class: domain.ClassRead},
		{Name: RouteReviewsCreate, Method: http.MethodPost, Pattern: Prefix + "/reviews", Permission: domain.PermReviewsWrite, Class: domain.ClassWrite},
		{Name: RouteNotificationsList, Method: http.MethodGet, Pattern: Prefix + "/notifications", Permission: domain.PermNotificationsRead, Class: domain.ClassRead, Session: true},
		{Name: RouteNotificationsRead, Method: http.MethodPost, Pattern: Prefix + "/notifications/{id}/read", Permission: domain.PermNotificationsWrite, Class: domain.ClassWrite, Session: true},
		{Name: RouteAuthRegister, Method: http.MethodPost, Pattern: Prefix + "/auth/register", Permission: domain.PermAuthSession, Class: domain.ClassAuth},
		{Name: RouteAuthLogin, Method: http.MethodPost, Pattern: Prefix + "/auth/login", Permission: domain.PermAuthSession, Class: domain.ClassAuth},
		{Name: RouteAuthMe, Method: http.MethodGet, Pattern: Prefix + "/auth/me", Permission: domain.PermAuthSession, Class: domain.ClassAuth, Session: true},
	}
}
