package temporal

import (
	"fmt"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// PipeInput holds the workflow parameters.
type PipeInput struct {
	// NodeJSON is the document to pipe, encoded as JSON.
	NodeJSON string
	// Calls are the methods to apply, in order.
	Calls []string
	// Document names the execution session used by execute.
	Document string
}

// PipeOutput holds the workflow result.
type PipeOutput struct {
	NodeJSON string
	// Steps is the number of calls that returned a node.
	Steps int
}

// PipeWorkflow runs each call as a MethodActivity, passing the node from one
// to the next. A call that returns no node leaves the node as it was.
func PipeWorkflow(ctx workflow.Context, input PipeInput) (*PipeOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	output := &PipeOutput{NodeJSON: input.NodeJSON}
	for i, method := range input.Calls {
		var result MethodResult
		in := MethodInput{Method: method, NodeJSON: output.NodeJSON, Document: input.Document}
		if err := workflow.ExecuteActivity(ctx, MethodActivity, in).Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("call %d (%s): %w", i, method, err)
		}
		if result.NodeJSON != "" {
			output.NodeJSON = result.NodeJSON
			output.Steps++
		}
	}
	return output, nil
}
