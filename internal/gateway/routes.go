package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// Route is one gateway endpoint and what a credential needs to call it.
type Route struct {
	Name       string
	Method     string
	Pattern    string
	Permission domain.Permission
	Class      domain.EndpointClass
	// Session routes require a verified bearer token for the credential's tenant.
	Session bool
}

func (r Route) key() string {
	return r.Method + " " + r.Pattern
}

// RouteTable is the static route → capability table built at startup.
type RouteTable struct {
	byName map[string]Route
	byKey  map[string]Route
	order  []Route
}

// NewRouteTable builds a table, rejecting duplicate names or method/pattern
// pairs, unknown permissions, and unknown endpoint classes.
func NewRouteTable(routes ...Route) (*RouteTable, error) {
	t := &RouteTable{
		byName: make(map[string]Route, len(routes)),
		byKey:  make(map[string]Route, len(routes)),
	}
	for _, r := range routes {
		r.Method = strings.ToUpper(r.Method)
		switch {
		case r.Name == "" || r.Method == "" || r.Pattern == "":
			return nil, fmt.Errorf("route %q: name, method and pattern are required", r.Name)
		case !domain.IsKnownPermission(r.Permission):
			return nil, fmt.Errorf("route %q: unknown permission %q", r.Name, r.Permission)
		case !r.Class.Valid():
			return nil, fmt.Errorf("route %q: unknown endpoint class %q", r.Name, r.Class)
		}
		if _, dup := t.byName[r.Name]; dup {
			return nil, fmt.Errorf("route %q declared twice", r.Name)
		}
		if prev, dup := t.byKey[r.key()]; dup {
			return nil, fmt.Errorf("route %q duplicates %q (%s)", r.Name, prev.Name, r.key())
		}
		t.byName[r.Name] = r
		t.byKey[r.key()] = r
		t.order = append(t.order, r)
	}
	return t, nil
}

// Routes returns the routes in declaration order.
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.order...)
}

// ByName looks a route up by name.
func (t *RouteTable) ByName(name string) (Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Lookup finds the route for a method and chi route pattern.
func (t *RouteTable) Lookup(method, pattern string) (Route, bool) {
	r, ok := t.byKey[strings.ToUpper(method)+" "+pattern]
	return r, ok
}

// Validate checks the table against what is actually registered on mux under
// prefix: every registered route needs an entry and every entry must be
// registered.
func (t *RouteTable) Validate(mux chi.Routes, prefix string) error {
	registered := map[string]bool{}
	var errs []error

	walk := func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		// chi registers catch-all stubs for the mount point itself.
		if !strings.HasPrefix(route, prefix+"/") || route == prefix+"/" {
			return nil
		}
		key := method + " " + strings.TrimSuffix(route, "/")
		registered[key] = true
		if _, ok := t.byKey[key]; !ok {
			errs = append(errs, fmt.Errorf("registered route %s has no permission entry", key))
		}
		return nil
	}
	if err := chi.Walk(mux, walk); err != nil {
		return fmt.Errorf("walk routes: %w", err)
	}

	var missing []string
	for key, r := range t.byKey {
		if !registered[key] {
			missing = append(missing, fmt.Sprintf("%s (%s)", r.Name, key))
		}
	}
	sort.Strings(missing)
	for _, m := range missing {
		errs = append(errs, fmt.Errorf("route %s is not registered", m))
	}
	return errors.Join(errs...)
}
