// Package crm is the narrow contract to the remote CRM: fetch a page of
// objects of one type (optionally since a cursor), or fetch one object by
// id. The rest of the system never talks to the remote API directly.
package crm

import (
	"context"
	"errors"

	"github.com/crmkit/crmcache/pkg/types"
)

var (
	// ErrRemoteUnavailable covers every remote failure that prevents a
	// fetch from completing: network errors, auth rejection, rate limiting,
	// server errors. A refresh hitting it aborts its remaining pages and
	// keeps the progress already written.
	ErrRemoteUnavailable = errors.New("crm: remote unavailable")

	// ErrAuth, ErrRateLimited and ErrTransient refine ErrRemoteUnavailable;
	// errors.Is matches both the refinement and the umbrella.
	ErrAuth        = errors.New("crm: authentication rejected")
	ErrRateLimited = errors.New("crm: rate limited")
	ErrTransient   = errors.New("crm: transient failure")

	// ErrObjectNotFound is the remote's miss on a by-id fetch. Like a local
	// lookup miss, it is an empty result rather than a fault.
	ErrObjectNotFound = errors.New("crm: object not found")
)

// Object is one raw CRM object as returned by the remote source: the
// remote's id plus a flat property map. Building an EntityRecord from it is
// the refresh layer's job.
type Object struct {
	ID         string
	Properties map[string]string
}

// Page is one page of a list fetch. NextCursor is opaque; an empty cursor
// with HasMore false means the listing is exhausted.
type Page struct {
	Results    []Object
	NextCursor string
	HasMore    bool
}

// Client is the remote CRM collaborator.
type Client interface {
	// ListObjects fetches one page of objects of the given type. cursor is
	// either empty (start from the beginning) or the NextCursor of the
	// previous page. limit caps the page size; implementations may return
	// fewer.
	ListObjects(ctx context.Context, objectType types.ObjectType, cursor string, limit int) (*Page, error)

	// GetObject fetches a single object by id, or ErrObjectNotFound.
	GetObject(ctx context.Context, objectType types.ObjectType, objectID string) (*Object, error)
}
