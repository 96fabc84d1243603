package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/observability"
	"github.com/stencila/jesta/internal/rpc"
)

// ProtocolErrorType is the application error type of protocol errors,
// which are not retried.
const ProtocolErrorType = "ProtocolError"

// Dispatcher runs method calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params map[string]any) (node.Node, error)
}

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Dispatcher Dispatcher
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

// MethodInput is one call of a pipeline.
type MethodInput struct {
	Method   string
	NodeJSON string
	Document string
}

// MethodResult is the node a call returned, or empty when it returned none.
type MethodResult struct {
	NodeJSON string
}

// MethodActivity calls one method on a node.
func MethodActivity(ctx context.Context, input MethodInput) (MethodResult, error) {
	if deps == nil || deps.Dispatcher == nil {
		return MethodResult{}, errors.New("temporal dependencies not set")
	}

	info := activity.GetInfo(ctx)
	ctx, span := observability.StartActivitySpan(ctx, info.WorkflowExecution.ID, input.Method)
	defer span.End()

	var n any
	if err := json.Unmarshal([]byte(input.NodeJSON), &n); err != nil {
		err = sdktemporal.NewNonRetryableApplicationError("decoding node", ProtocolErrorType, err)
		observability.RecordError(span, err)
		return MethodResult{}, err
	}

	params := map[string]any{"node": n}
	if input.Document != "" {
		params["document"] = input.Document
	}
	activity.GetLogger(ctx).Info("Calling method", "method", input.Method, "attempt", info.Attempt)

	result, err := deps.Dispatcher.Dispatch(ctx, input.Method, params)
	if err != nil {
		var protocol *rpc.Error
		if errors.As(err, &protocol) && protocol.Code != rpc.CodeServerError {
			err = sdktemporal.NewNonRetryableApplicationError(protocol.Message, ProtocolErrorType, err)
		}
		observability.RecordError(span, err)
		return MethodResult{}, err
	}
	if result == nil {
		return MethodResult{}, nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return MethodResult{}, fmt.Errorf("encoding node: %w", err)
	}
	return MethodResult{NodeJSON: string(out)}, nil
}
