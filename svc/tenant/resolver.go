package tenant

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidIdentifier is returned when a candidate value is present but
	// is not a valid tenant id.
	ErrInvalidIdentifier = errors.New("tenant: invalid identifier")
	// ErrMissingTenant is returned by the middleware when no resolver
	// produced a tenant id.
	ErrMissingTenant = errors.New("tenant: no tenant id in request")
)

// Resolver extracts a tenant id from an HTTP request. It returns uuid.Nil
// with a nil error when the request simply carries no tenant, and an error
// when a value is present but malformed.
type Resolver func(r *http.Request) (uuid.UUID, error)

// NewHeaderResolver reads the tenant id from an HTTP header.
// Defaults to "X-Tenant-ID" if headerName is empty.
func NewHeaderResolver(headerName string) Resolver {
	if headerName == "" {
		headerName = "X-Tenant-ID"
	}

	return func(req *http.Request) (uuid.UUID, error) {
		value := strings.TrimSpace(req.Header.Get(headerName))
		if value == "" {
			return uuid.Nil, nil
		}
		id, err := uuid.Parse(value)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: header value %q", ErrInvalidIdentifier, value)
		}
		return id, nil
	}
}

// NewQueryResolver reads the tenant id from a URL query parameter.
// Defaults to "businessId" if param is empty.
func NewQueryResolver(param string) Resolver {
	if param == "" {
		param = "businessId"
	}

	return func(req *http.Request) (uuid.UUID, error) {
		value := strings.TrimSpace(req.URL.Query().Get(param))
		if value == "" {
			return uuid.Nil, nil
		}
		id, err := uuid.Parse(value)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: query value %q", ErrInvalidIdentifier, value)
		}
		return id, nil
	}
}

// NewPathResolver extracts the tenant id from a URL path segment at 1-based
// position. Position 2 extracts from /tenants/{id}/subscription.
func NewPathResolver(position int) Resolver {
	return func(req *http.Request) (uuid.UUID, error) {
		if position < 1 {
			return uuid.Nil, fmt.Errorf("tenant: invalid path position: %d", position)
		}

		path := strings.Trim(req.URL.Path, "/")
		if path == "" {
			return uuid.Nil, nil
		}

		parts := strings.Split(path, "/")
		if position > len(parts) || parts[position-1] == "" {
			return uuid.Nil, nil
		}

		id, err := uuid.Parse(parts[position-1])
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: path segment %q", ErrInvalidIdentifier, parts[position-1])
		}
		return id, nil
	}
}

// NewCompositeResolver tries multiple resolvers in order, returning the first
// hit. Aggregates errors from all resolvers for debugging.
func NewCompositeResolver(resolvers ...Resolver) Resolver {
	return func(r *http.Request) (uuid.UUID, error) {
		var errs []error

		for _, resolver := range resolvers {
			id, err := resolver(r)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if id != uuid.Nil {
				return id, nil
			}
		}

		if len(errs) > 0 {
			return uuid.Nil, errors.Join(errs...)
		}
		return uuid.Nil, nil
	}
}
