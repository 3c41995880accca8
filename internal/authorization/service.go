package authorization

import "context"

// Service answers whether a request is covered by a set of named lifecycle actions.
type Service interface {
	// Authorize returns nil when any of actions covers (path, method) and
	// ErrForbidden otherwise.
	Authorize(ctx context.Context, actions []string, path string, method string) error
	// Actions lists the catalog actions that cover (path, method).
	Actions(ctx context.Context, path string, method string) ([]string, error)
}
