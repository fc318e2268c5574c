package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/crmkit/crmcache/pkg/types"
)

// listProperties selects which properties each object type is fetched with,
// mirroring what the query layer displays and embeds.
var listProperties = map[types.ObjectType][]string{
	types.ObjectTypeContact: {"firstname", "lastname", "email", "company"},
	types.ObjectTypeCompany: {"name", "domain", "industry"},
	types.ObjectTypeDeal:    {"dealname", "amount", "dealstage", "pipeline"},
}

// objectPaths maps object types onto the CRM v3 objects surface.
var objectPaths = map[types.ObjectType]string{
	types.ObjectTypeContact: "contacts",
	types.ObjectTypeCompany: "companies",
	types.ObjectTypeDeal:    "deals",
}

// HubSpotConfig holds the HubSpot client configuration. Token acquisition
// and rotation are the caller's problem; the client only sends what it is
// given.
type HubSpotConfig struct {
	// AccessToken is sent as a bearer token. Required.
	AccessToken string

	// BaseURL is the API base URL (default: https://api.hubapi.com).
	BaseURL string

	// Timeout is the per-request timeout (default: 15s).
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing calls (default: 8, HubSpot's
	// sustained private-app allowance with headroom).
	RequestsPerSecond float64
}

// HubSpotClient implements Client against the HubSpot v3 API. Requests are
// rate limited and pass through a circuit breaker so a failing remote trips
// fast instead of burning the rate budget on errors.
type HubSpotClient struct {
	cfg     HubSpotConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHubSpotClient creates a HubSpot client, applying defaults for unset
// config fields.
func NewHubSpotClient(cfg HubSpotConfig) (*HubSpotClient, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("crm: hubspot access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hubapi.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 8
	}
	return &HubSpotClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "hubspot",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}, nil
}

// objectListResponse is the v3 list/page response shape.
type objectListResponse struct {
	Results []objectResponse `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// objectResponse is one v3 object.
type objectResponse struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// threadListResponse is the conversations v3 thread list shape.
type threadListResponse struct {
	Results []struct {
		ID                     string `json:"id"`
		Status                 string `json:"status"`
		LatestMessageTimestamp string `json:"latestMessageTimestamp"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// threadMessagesResponse is the conversations v3 message list shape; only
// the fields folded into the thread's property map are decoded.
type threadMessagesResponse struct {
	Results []struct {
		Type    string `json:"type"`
		Subject string `json:"subject"`
		Text    string `json:"text"`
	} `json:"results"`
}

// ListObjects fetches one page of objects of the given type. Contacts,
// companies and deals go through /crm/v3/objects; conversation threads go
// through the conversations API with their messages folded into the
// property map so a thread indexes as one unit.
func (c *HubSpotClient) ListObjects(ctx context.Context, objectType types.ObjectType, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 100
	}
	if objectType == types.ObjectTypeConversationThread {
		return c.listThreads(ctx, cursor, limit)
	}

	path, ok := objectPaths[objectType]
	if !ok {
		return nil, fmt.Errorf("crm: unsupported object type %q", objectType)
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if cursor != "" {
		q.Set("after", cursor)
	}
	if props := listProperties[objectType]; len(props) > 0 {
		q.Set("properties", strings.Join(props, ","))
	}

	var decoded objectListResponse
	if err := c.getJSON(ctx, "/crm/v3/objects/"+path+"?"+q.Encode(), &decoded); err != nil {
		return nil, err
	}

	page := &Page{Results: make([]Object, 0, len(decoded.Results))}
	for _, obj := range decoded.Results {
		page.Results = append(page.Results, Object{ID: obj.ID, Properties: obj.Properties})
	}
	if decoded.Paging != nil && decoded.Paging.Next != nil && decoded.Paging.Next.After != "" {
		page.NextCursor = decoded.Paging.Next.After
		page.HasMore = true
	}
	return page, nil
}

// GetObject fetches a single object by id.
func (c *HubSpotClient) GetObject(ctx context.Context, objectType types.ObjectType, objectID string) (*Object, error) {
	path, ok := objectPaths[objectType]
	if !ok {
		return nil, fmt.Errorf("crm: unsupported object type %q", objectType)
	}

	q := url.Values{}
	if props := listProperties[objectType]; len(props) > 0 {
		q.Set("properties", strings.Join(props, ","))
	}

	var decoded objectResponse
	err := c.getJSON(ctx, "/crm/v3/objects/"+path+"/"+url.PathEscape(objectID)+"?"+q.Encode(), &decoded)
	if err != nil {
		return nil, err
	}
	return &Object{ID: decoded.ID, Properties: decoded.Properties}, nil
}

// listThreads pages the conversations API, fetching each thread's messages
// to build the flattened property map the rest of the system expects.
func (c *HubSpotClient) listThreads(ctx context.Context, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if cursor != "" {
		q.Set("after", cursor)
	}

	var decoded threadListResponse
	if err := c.getJSON(ctx, "/conversations/v3/conversations/threads?"+q.Encode(), &decoded); err != nil {
		return nil, err
	}

	page := &Page{Results: make([]Object, 0, len(decoded.Results))}
	for _, thread := range decoded.Results {
		props := map[string]string{
			"status":                   thread.Status,
			"latest_message_timestamp": thread.LatestMessageTimestamp,
		}

		var msgs threadMessagesResponse
		err := c.getJSON(ctx, "/conversations/v3/conversations/threads/"+url.PathEscape(thread.ID)+"/messages", &msgs)
		if err != nil {
			return page, err
		}
		var bodies []string
		for _, m := range msgs.Results {
			if m.Type != "MESSAGE" {
				continue
			}
			if props["subject"] == "" && m.Subject != "" {
				props["subject"] = m.Subject
			}
			if m.Text != "" {
				bodies = append(bodies, m.Text)
			}
		}
		props["messages"] = strings.Join(bodies, "\n")

		page.Results = append(page.Results, Object{ID: thread.ID, Properties: props})
	}
	if decoded.Paging != nil && decoded.Paging.Next != nil && decoded.Paging.Next.After != "" {
		page.NextCursor = decoded.Paging.Next.After
		page.HasMore = true
	}
	return page, nil
}

// getJSON performs one rate-limited, breaker-protected GET and decodes the
// body into out.
func (c *HubSpotClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w: limiter: %v", ErrRemoteUnavailable, ErrTransient, err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		b, err := c.get(ctx, path)
		if errors.Is(err, ErrObjectNotFound) {
			// A remote miss is an empty result, not a backend failure;
			// it must not count toward tripping the breaker.
			return notFound{err}, nil
		}
		return b, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w: circuit open", ErrRemoteUnavailable, ErrTransient)
		}
		return err
	}
	if nf, ok := body.(notFound); ok {
		return nf.err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("%w: %w: decode %s: %v", ErrRemoteUnavailable, ErrTransient, path, err)
	}
	return nil
}

// get performs the HTTP exchange and maps status codes onto the error
// taxonomy: 401/403 auth, 429 rate limit, everything else unexpected is
// transient. 404 is its own error so by-id misses read as empty results.
func (c *HubSpotClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: build request: %v", ErrRemoteUnavailable, ErrTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrRemoteUnavailable, ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: read body: %v", ErrRemoteUnavailable, ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w: status %d", ErrRemoteUnavailable, ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w: status %d", ErrRemoteUnavailable, ErrRateLimited, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	default:
		return nil, fmt.Errorf("%w: %w: status %d: %s", ErrRemoteUnavailable, ErrTransient, resp.StatusCode, truncate(body, 200))
	}
}

// notFound carries a remote 404 through the circuit breaker as a value.
type notFound struct{ err error }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Client = (*HubSpotClient)(nil)
