package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/rpc"
)

// Store is the slice of the memory API the executor needs.
type Store interface {
	Add(ctx context.Context, text, userID string) error
	GetAll(ctx context.Context, userID string) ([]string, error)
	Search(ctx context.Context, query, userID string) ([]string, error)
}

// Executor runs tool calls against a memory store directly, without a remote
// tool host. It satisfies the same invoker contract as the upstream client;
// store failures are application errors, so the returned error is always nil
// and failures surface as error envelopes.
type Executor struct {
	store  Store
	logger *slog.Logger
}

// NewExecutor creates a direct-mode executor over the given store.
func NewExecutor(store Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, logger: logger}
}

// Invoke executes the encoded tool call. The identity must already be
// injected into the call arguments; the ident and token parameters exist to
// match the forwarding contract and are not consulted here.
func (e *Executor) Invoke(ctx context.Context, ident identity.Identity, token string, req *rpc.Request) (*rpc.Response, error) {
	call, err := rpc.ParseToolCall(req.Params)
	if err != nil {
		return rpc.NewError(req.ID, rpc.CodeInvalidParams, err.Error()), nil
	}

	userID, _ := call.Arguments["user_id"].(string)
	if userID == "" {
		userID = string(identity.Default)
	}

	var text string
	switch call.Name {
	case ToolAddPreference:
		text, err = e.add(ctx, call.Arguments, userID)
	case ToolGetAllPreferences:
		text, err = e.getAll(ctx, userID)
	case ToolSearchPreferences:
		text, err = e.search(ctx, call.Arguments, userID)
	default:
		return rpc.NewError(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("Unknown tool: %s", call.Name)), nil
	}
	if err != nil {
		errortypes.LogError(e.logger, err)
		return rpc.NewError(req.ID, rpc.CodeTransport, err.Error()), nil
	}
	return rpc.NewResult(req.ID, textResult(text)), nil
}

func (e *Executor) add(ctx context.Context, args map[string]any, userID string) (string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return "", errortypes.ValidationError(
			fmt.Errorf("missing required argument: text"), "invalid tool arguments")
	}
	if err := e.store.Add(ctx, text, userID); err != nil {
		return "", err
	}
	preview := text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return fmt.Sprintf("Successfully added preference: %s", preview), nil
}

func (e *Executor) getAll(ctx context.Context, userID string) (string, error) {
	entries, err := e.store.GetAll(ctx, userID)
	if err != nil {
		return "", err
	}
	return encodeEntries(entries)
}

func (e *Executor) search(ctx context.Context, args map[string]any, userID string) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", errortypes.ValidationError(
			fmt.Errorf("missing required argument: query"), "invalid tool arguments")
	}
	entries, err := e.store.Search(ctx, query, userID)
	if err != nil {
		return "", err
	}
	return encodeEntries(entries)
}

func encodeEntries(entries []string) (string, error) {
	if entries == nil {
		entries = []string{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", errortypes.InternalError(err, "encoding store entries")
	}
	return string(raw), nil
}

// textResult wraps plain text in the content shape tool callers expect.
func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}
}
