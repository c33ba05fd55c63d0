package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	tasksapi "google.golang.org/api/tasks/v1"

	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/mcp"
)

// toolHandler executes one tool call against a credential-bound task service.
type toolHandler func(ctx context.Context, svc gtasks.Service, raw json.RawMessage) (*mcp.CallToolResult, error)

// staticTool pairs a tool descriptor with its handler.
type staticTool struct {
	descriptor mcp.Tool
	handler    toolHandler
}

// newTool builds a staticTool from a typed argument struct A: the input
// schema is reflected from A, and the handler decodes arguments strictly
// (unknown fields rejected) before invoking fn. Argument decode failures are
// reported in-band as tool errors, not JSON-RPC errors.
func newTool[A any](name, description string, fn func(ctx context.Context, svc gtasks.Service, args A) (*mcp.CallToolResult, error)) staticTool {
	return staticTool{
		descriptor: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: reflectInputSchema[A](),
		},
		handler: func(ctx context.Context, svc gtasks.Service, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var args A
			if len(raw) > 0 {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return mcp.NewToolError(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
			}
			return fn(ctx, svc, args)
		},
	}
}

// reflectInputSchema reflects a Go struct into the simplified MCP input
// schema shape.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   s.Required,
	}
}

// toSchemaProperty recursively down-converts a reflected schema node.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Tool argument structs. Fields without omitempty are required in the
// reflected schema.

type listArgs struct {
	Cursor string `json:"cursor,omitempty" jsonschema:"description=Opaque pagination cursor returned by a previous list call"`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Case-insensitive text matched against task titles and notes"`
}

type createArgs struct {
	Title  string `json:"title" jsonschema:"description=Task title"`
	Notes  string `json:"notes,omitempty" jsonschema:"description=Free-form notes"`
	Due    string `json:"due,omitempty" jsonschema:"description=Due date as an RFC 3339 timestamp"`
	ListID string `json:"list_id,omitempty" jsonschema:"description=Task list id; defaults to the @default list"`
}

type updateArgs struct {
	ID     string  `json:"id" jsonschema:"description=Task id to update"`
	ListID string  `json:"list_id,omitempty" jsonschema:"description=Task list id; defaults to the @default list"`
	Title  *string `json:"title,omitempty" jsonschema:"description=New title"`
	Notes  *string `json:"notes,omitempty" jsonschema:"description=New notes"`
	Due    *string `json:"due,omitempty" jsonschema:"description=New due date as an RFC 3339 timestamp"`
	Status *string `json:"status,omitempty" jsonschema:"enum=needsAction,enum=completed,description=New task status"`
}

type deleteArgs struct {
	ID     string `json:"id" jsonschema:"description=Task id to delete"`
	ListID string `json:"list_id,omitempty" jsonschema:"description=Task list id; defaults to the @default list"`
}

type clearArgs struct {
	ListID string `json:"list_id,omitempty" jsonschema:"description=Task list to clear completed tasks from; defaults to the @default list"`
}

// taskView is the trimmed task shape rendered into tool results.
type taskView struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Notes   string `json:"notes,omitempty"`
	Due     string `json:"due,omitempty"`
	Status  string `json:"status,omitempty"`
	Updated string `json:"updated,omitempty"`
}

func toTaskView(t *tasksapi.Task) taskView {
	return taskView{
		ID:      t.Id,
		Title:   t.Title,
		Notes:   t.Notes,
		Due:     t.Due,
		Status:  t.Status,
		Updated: t.Updated,
	}
}

func toTaskViews(items []*tasksapi.Task) []taskView {
	views := make([]taskView, 0, len(items))
	for _, t := range items {
		views = append(views, toTaskView(t))
	}
	return views
}

func renderJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render result: %w", err)
	}
	return mcp.NewTextResult(string(b)), nil
}

// ToolDescriptors returns the static tool descriptors without a running
// server. The stdio proxy serves these when the gateway is unreachable or
// the client is not yet authenticated.
func ToolDescriptors() []mcp.Tool {
	tools := taskTools()
	out := make([]mcp.Tool, len(tools))
	for i, t := range tools {
		out[i] = t.descriptor
	}
	return out
}

// taskTools returns the six task tools in their listing order.
func taskTools() []staticTool {
	return []staticTool{
		newTool("list", "List tasks, one page at a time. Returns tasks and an optional cursor for the next page.",
			func(ctx context.Context, svc gtasks.Service, args listArgs) (*mcp.CallToolResult, error) {
				items, next, err := svc.List(ctx, args.Cursor)
				if err != nil {
					return nil, err
				}
				return renderJSON(struct {
					Tasks      []taskView `json:"tasks"`
					NextCursor string     `json:"next_cursor,omitempty"`
				}{Tasks: toTaskViews(items), NextCursor: next})
			}),
		newTool("search", "Search tasks by matching the query against titles and notes.",
			func(ctx context.Context, svc gtasks.Service, args searchArgs) (*mcp.CallToolResult, error) {
				if args.Query == "" {
					return mcp.NewToolError("query is required"), nil
				}
				items, err := svc.Search(ctx, args.Query)
				if err != nil {
					return nil, err
				}
				return renderJSON(struct {
					Tasks []taskView `json:"tasks"`
				}{Tasks: toTaskViews(items)})
			}),
		newTool("create", "Create a new task.",
			func(ctx context.Context, svc gtasks.Service, args createArgs) (*mcp.CallToolResult, error) {
				if args.Title == "" {
					return mcp.NewToolError("title is required"), nil
				}
				task, err := svc.Create(ctx, gtasks.CreateParams{
					Title:  args.Title,
					Notes:  args.Notes,
					Due:    args.Due,
					ListID: args.ListID,
				})
				if err != nil {
					return nil, err
				}
				return renderJSON(toTaskView(task))
			}),
		newTool("update", "Update fields of an existing task. Omitted fields are left unchanged.",
			func(ctx context.Context, svc gtasks.Service, args updateArgs) (*mcp.CallToolResult, error) {
				if args.ID == "" {
					return mcp.NewToolError("id is required"), nil
				}
				task, err := svc.Update(ctx, gtasks.UpdateParams{
					ID:     args.ID,
					ListID: args.ListID,
					Title:  args.Title,
					Notes:  args.Notes,
					Due:    args.Due,
					Status: args.Status,
				})
				if err != nil {
					return nil, err
				}
				return renderJSON(toTaskView(task))
			}),
		newTool("delete", "Delete a task.",
			func(ctx context.Context, svc gtasks.Service, args deleteArgs) (*mcp.CallToolResult, error) {
				if args.ID == "" {
					return mcp.NewToolError("id is required"), nil
				}
				if err := svc.Delete(ctx, args.ID, args.ListID); err != nil {
					return nil, err
				}
				return mcp.NewTextResult("deleted"), nil
			}),
		newTool("clear", "Clear all completed tasks from a task list.",
			func(ctx context.Context, svc gtasks.Service, args clearArgs) (*mcp.CallToolResult, error) {
				if err := svc.Clear(ctx, args.ListID); err != nil {
					return nil, err
				}
				return mcp.NewTextResult("cleared"), nil
			}),
	}
}
