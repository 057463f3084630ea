package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/tracer"
)

// funcTool is a tool defined by a schema and a handler.
type funcTool struct {
	name   string
	desc   string
	params json.RawMessage
	run    func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.desc }
func (t *funcTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.desc, Parameters: t.params}
}

func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.run(ctx, params)
}

// define builds a tool whose handler receives typed params through the
// Execute pipeline.
func define[P any](name, desc, params string, logger *slog.Logger,
	handler func(ctx context.Context, span trace.Span, p P) (any, error)) domain.Tool {
	return &funcTool{
		name:   name,
		desc:   desc,
		params: json.RawMessage(params),
		run: func(ctx context.Context, raw json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, name, logger, raw, handler)
		},
	}
}

// Builtins returns the tools of the default agent roster. Search may be nil,
// in which case webSearch reports that no search backend is configured.
func Builtins(sb *Sandbox, search SearchBackend, logger *slog.Logger) []domain.Tool {
	var tools []domain.Tool
	tools = append(tools, calendarTools(sb, logger)...)
	tools = append(tools, emailTools(sb, logger)...)
	tools = append(tools, socialTools(sb, logger)...)
	tools = append(tools, storeTools(sb, logger)...)
	tools = append(tools, researchTools(sb, search, logger)...)
	return tools
}

type createEventParams struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Location  string   `json:"location"`
	Attendees []string `json:"attendees"`
}

type listEventsParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type eventIDParams struct {
	EventID string `json:"event_id"`
}

func calendarTools(sb *Sandbox, logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		define("createCalendarEvent", "Create a calendar event. Times are ISO 8601.", `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"start": {"type": "string", "minLength": 1},
				"end": {"type": "string"},
				"location": {"type": "string"},
				"attendees": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["title", "start"]
		}`, logger, func(_ context.Context, span trace.Span, p createEventParams) (any, error) {
			ev := sb.CreateEvent(Event{
				Title: p.Title, Start: p.Start, End: p.End, Location: p.Location, Attendees: p.Attendees,
			})
			span.SetAttributes(tracer.StringAttr("event.id", ev.ID))
			return ev, nil
		}),
		define("listCalendarEvents", "List calendar events starting in an optional ISO 8601 range.", `{
			"type": "object",
			"properties": {
				"from": {"type": "string"},
				"to": {"type": "string"}
			}
		}`, logger, func(_ context.Context, _ trace.Span, p listEventsParams) (any, error) {
			events := sb.Events(p.From, p.To)
			if len(events) == 0 {
				return "No events in that range.", nil
			}
			return events, nil
		}),
		define("deleteEvent", "Delete a calendar event by id.", `{
			"type": "object",
			"properties": {"event_id": {"type": "string", "minLength": 1}},
			"required": ["event_id"]
		}`, logger, func(_ context.Context, _ trace.Span, p eventIDParams) (any, error) {
			if err := sb.DeleteEvent(p.EventID); err != nil {
				return ErrResult("%v", err), nil
			}
			return fmt.Sprintf("Deleted event %s.", p.EventID), nil
		}),
	}
}

type emailParams struct {
	DraftID string   `json:"draft_id"`
	To      []string `json:"to"`
	CC      []string `json:"cc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type queryParams struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func emailTools(sb *Sandbox, logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		define("draftEmail", "Draft an email without sending it.", `{
			"type": "object",
			"properties": {
				"to": {"type": "array", "items": {"type": "string"}, "minItems": 1},
				"cc": {"type": "array", "items": {"type": "string"}},
				"subject": {"type": "string", "minLength": 1},
				"body": {"type": "string"}
			},
			"required": ["to", "subject"]
		}`, logger, func(_ context.Context, _ trace.Span, p emailParams) (any, error) {
			return sb.Draft(Email{To: p.To, CC: p.CC, Subject: p.Subject, Body: p.Body}), nil
		}),
		define("sendEmail", "Send a drafted email by draft_id, or a new email given to, subject and body.", `{
			"type": "object",
			"properties": {
				"draft_id": {"type": "string"},
				"to": {"type": "array", "items": {"type": "string"}},
				"cc": {"type": "array", "items": {"type": "string"}},
				"subject": {"type": "string"},
				"body": {"type": "string"}
			}
		}`, logger, func(_ context.Context, _ trace.Span, p emailParams) (any, error) {
			if p.DraftID == "" && (len(p.To) == 0 || p.Subject == "") {
				return ErrResult("either draft_id or to and subject are required"), nil
			}
			sent, err := sb.Send(p.DraftID, Email{To: p.To, CC: p.CC, Subject: p.Subject, Body: p.Body})
			if err != nil {
				return ErrResult("%v", err), nil
			}
			return sent, nil
		}),
		define("searchEmail", "Search drafted and sent emails.", `{
			"type": "object",
			"properties": {"query": {"type": "string", "minLength": 1}},
			"required": ["query"]
		}`, logger, func(_ context.Context, _ trace.Span, p queryParams) (any, error) {
			found := sb.SearchEmail(p.Query)
			if len(found) == 0 {
				return fmt.Sprintf("No emails match %q.", p.Query), nil
			}
			return found, nil
		}),
	}
}

type postParams struct {
	Text     string `json:"text"`
	Caption  string `json:"caption"`
	Message  string `json:"message"`
	ImageURL string `json:"image_url"`
	ChatID   string `json:"chat_id"`
}

func socialTools(sb *Sandbox, logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		define("postTweet", "Publish a tweet.", `{
			"type": "object",
			"properties": {"text": {"type": "string", "minLength": 1, "maxLength": 280}},
			"required": ["text"]
		}`, logger, func(_ context.Context, _ trace.Span, p postParams) (any, error) {
			return sb.Publish(Post{Network: "twitter", Text: p.Text}), nil
		}),
		define("publishInstagramPost", "Publish an Instagram post with an image.", `{
			"type": "object",
			"properties": {
				"caption": {"type": "string"},
				"image_url": {"type": "string", "minLength": 1}
			},
			"required": ["image_url"]
		}`, logger, func(_ context.Context, _ trace.Span, p postParams) (any, error) {
			return sb.Publish(Post{Network: "instagram", Text: p.Caption, MediaURL: p.ImageURL}), nil
		}),
		define("postToFacebook", "Publish a post on the Facebook page.", `{
			"type": "object",
			"properties": {"message": {"type": "string", "minLength": 1}},
			"required": ["message"]
		}`, logger, func(_ context.Context, _ trace.Span, p postParams) (any, error) {
			return sb.Publish(Post{Network: "facebook", Text: p.Message}), nil
		}),
		define("sendTelegramMessage", "Send a Telegram message to a chat.", `{
			"type": "object",
			"properties": {
				"chat_id": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["chat_id", "text"]
		}`, logger, func(_ context.Context, _ trace.Span, p postParams) (any, error) {
			return sb.Publish(Post{Network: "telegram", Target: p.ChatID, Text: p.Text}), nil
		}),
	}
}

type orderParams struct {
	Status    string `json:"status"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Customer  string `json:"customer"`
}

func storeTools(sb *Sandbox, logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		define("listShopifyProducts", "List store products, optionally filtered by title.", `{
			"type": "object",
			"properties": {"query": {"type": "string"}}
		}`, logger, func(_ context.Context, _ trace.Span, p queryParams) (any, error) {
			return sb.Products(p.Query), nil
		}),
		define("getShopifyOrders", "List store orders, optionally by status.", `{
			"type": "object",
			"properties": {"status": {"type": "string", "enum": ["open", "fulfilled", "cancelled"]}}
		}`, logger, func(_ context.Context, _ trace.Span, p orderParams) (any, error) {
			orders := sb.Orders(p.Status)
			if len(orders) == 0 {
				return "No orders.", nil
			}
			return orders, nil
		}),
		define("createShopifyOrder", "Place an order for a product.", `{
			"type": "object",
			"properties": {
				"product_id": {"type": "string", "minLength": 1},
				"quantity": {"type": "integer", "minimum": 1},
				"customer": {"type": "string", "minLength": 1}
			},
			"required": ["product_id", "quantity", "customer"]
		}`, logger, func(_ context.Context, _ trace.Span, p orderParams) (any, error) {
			o, err := sb.CreateOrder(p.ProductID, p.Customer, p.Quantity)
			if err != nil {
				return ErrResult("%v", err), nil
			}
			return o, nil
		}),
	}
}

type noteParams struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func researchTools(sb *Sandbox, search SearchBackend, logger *slog.Logger) []domain.Tool {
	cache := newSearchCache(15 * time.Minute)
	return []domain.Tool{
		define("webSearch", "Search the web and return the top results.", `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"count": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`, logger, func(ctx context.Context, span trace.Span, p queryParams) (any, error) {
			if search == nil {
				return ErrResult("web search is not configured"), nil
			}
			if p.Count == 0 {
				p.Count = 5
			}
			key := fmt.Sprintf("%d:%s", p.Count, strings.ToLower(strings.TrimSpace(p.Query)))
			if hit, ok := cache.get(key); ok {
				span.SetAttributes(tracer.BoolAttr("search.cached", true))
				return hit, nil
			}
			results, err := search.Search(ctx, p.Query, p.Count)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return fmt.Sprintf("No results for %q.", p.Query), nil
			}
			cache.put(key, results)
			return results, nil
		}),
		define("saveNote", "Save a research note under a title.", `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"body": {"type": "string"}
			},
			"required": ["title", "body"]
		}`, logger, func(_ context.Context, _ trace.Span, p noteParams) (any, error) {
			sb.SaveNote(Note(p))
			return fmt.Sprintf("Saved note %q.", p.Title), nil
		}),
		define("searchNotes", "Search saved notes.", `{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`, logger, func(_ context.Context, _ trace.Span, p queryParams) (any, error) {
			notes := sb.SearchNotes(p.Query)
			if len(notes) == 0 {
				return fmt.Sprintf("No notes match %q.", p.Query), nil
			}
			return notes, nil
		}),
	}
}
