package gtasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"
)

// DefaultListID is the Google Tasks alias for the user's default task list.
const DefaultListID = "@default"

// maxSearchPages caps how many pages Search walks before giving up. The
// upstream API has no server-side search, so Search filters client-side.
const maxSearchPages = 10

const pageSize = 100

// CreateParams describes a task to insert.
type CreateParams struct {
	Title  string
	Notes  string
	Due    string // RFC 3339 timestamp, optional
	ListID string // defaults to DefaultListID
}

// UpdateParams describes a partial task update. Nil fields are left unchanged.
type UpdateParams struct {
	ID     string
	ListID string // defaults to DefaultListID
	Title  *string
	Notes  *string
	Due    *string
	Status *string // "needsAction" or "completed"
}

// Service is the per-credential view of the upstream task API.
type Service interface {
	List(ctx context.Context, cursor string) ([]*tasks.Task, string, error)
	Search(ctx context.Context, query string) ([]*tasks.Task, error)
	Create(ctx context.Context, p CreateParams) (*tasks.Task, error)
	Update(ctx context.Context, p UpdateParams) (*tasks.Task, error)
	Delete(ctx context.Context, id, listID string) error
	Clear(ctx context.Context, listID string) error
}

// Factory builds a Service bound to a credential. The gateway holds one and
// constructs a fresh Service per request; tests substitute fakes.
type Factory func(ctx context.Context, cred *Credential) (Service, error)

// NewClientFactory returns a Factory producing real Google Tasks clients.
// Extra client options (endpoint overrides in tests) apply to every client.
func NewClientFactory(extra ...option.ClientOption) Factory {
	return func(ctx context.Context, cred *Credential) (Service, error) {
		return NewClient(ctx, cred, extra...)
	}
}

// Client implements Service against the Google Tasks API. The token source
// is static on purpose: refresh is owned by the gateway's credential store,
// and a 401 here must surface as ErrAuthRejected rather than being patched
// over by a self-refreshing transport.
type Client struct {
	svc *tasks.Service
}

// NewClient builds a Client for one credential.
func NewClient(ctx context.Context, cred *Credential, extra ...option.ClientOption) (*Client, error) {
	if cred == nil || cred.AccessToken == "" {
		return nil, fmt.Errorf("credential with access token required")
	}
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cred.AccessToken,
			TokenType:   "Bearer",
		})),
	}, extra...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build tasks service: %w", err)
	}
	return &Client{svc: svc}, nil
}

func (c *Client) List(ctx context.Context, cursor string) ([]*tasks.Task, string, error) {
	call := c.svc.Tasks.List(DefaultListID).
		MaxResults(pageSize).
		ShowCompleted(true).
		ShowHidden(true).
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	res, err := call.Do()
	if err != nil {
		return nil, "", mapErr("list", err)
	}
	return res.Items, res.NextPageToken, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]*tasks.Task, error) {
	needle := strings.ToLower(query)
	var matched []*tasks.Task
	cursor := ""
	for page := 0; page < maxSearchPages; page++ {
		items, next, err := c.List(ctx, cursor)
		if err != nil {
			return nil, mapErr("search", err)
		}
		for _, t := range items {
			if strings.Contains(strings.ToLower(t.Title), needle) ||
				strings.Contains(strings.ToLower(t.Notes), needle) {
				matched = append(matched, t)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return matched, nil
}

func (c *Client) Create(ctx context.Context, p CreateParams) (*tasks.Task, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	listID := p.ListID
	if listID == "" {
		listID = DefaultListID
	}
	task := &tasks.Task{Title: p.Title, Notes: p.Notes, Due: p.Due}
	res, err := c.svc.Tasks.Insert(listID, task).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("create", err)
	}
	return res, nil
}

func (c *Client) Update(ctx context.Context, p UpdateParams) (*tasks.Task, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	listID := p.ListID
	if listID == "" {
		listID = DefaultListID
	}
	patch := &tasks.Task{Id: p.ID}
	if p.Title != nil {
		patch.Title = *p.Title
	}
	if p.Notes != nil {
		patch.Notes = *p.Notes
	}
	if p.Due != nil {
		patch.Due = *p.Due
	}
	if p.Status != nil {
		patch.Status = *p.Status
	}
	res, err := c.svc.Tasks.Patch(listID, p.ID, patch).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("update", err)
	}
	return res, nil
}

func (c *Client) Delete(ctx context.Context, id, listID string) error {
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if listID == "" {
		listID = DefaultListID
	}
	if err := c.svc.Tasks.Delete(listID, id).Context(ctx).Do(); err != nil {
		return mapErr("delete", err)
	}
	return nil
}

func (c *Client) Clear(ctx context.Context, listID string) error {
	if listID == "" {
		listID = DefaultListID
	}
	if err := c.svc.Tasks.Clear(listID).Context(ctx).Do(); err != nil {
		return mapErr("clear", err)
	}
	return nil
}

// mapErr translates googleapi errors into the package taxonomy. Sentinels
// already classified pass through unchanged so Search's nested calls don't
// double-wrap.
func mapErr(op string, err error) error {
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch statusClass(gerr.Code) {
		case "auth":
			return fmt.Errorf("%s: %w", op, ErrAuthRejected)
		case "missing":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case "unavailable":
			return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}
