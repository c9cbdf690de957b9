package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
	"carely/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse input -> start
// trace -> run handler -> format result.
//
// The handler receives the parsed input and an active trace span. It should
// return:
//   - (any Go value, nil) — the value is JSON-marshaled into a success ToolResult
//   - (*domain.ToolResult, nil) — returned as-is (for custom formatting)
//   - (nil, error) — turned into an error ToolResult with logging
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawInput json.RawMessage,
	handler func(ctx context.Context, span trace.Span, input P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.ToolAttr(spanName)),
	)
	defer span.End()

	var p P
	if err := json.Unmarshal(rawInput, &p); err != nil {
		tracer.RecordError(span, err)
		return domain.ErrorResult(fmt.Sprintf("invalid input: %v", err)), nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		retryable := isTransient(err)
		msg := err.Error()
		if retryable {
			msg += " (transient error, may succeed on retry)"
		}
		out := domain.ErrorResult(msg)
		out.IsRetryable = retryable
		return out, nil
	}

	return formatResult(span, result)
}

// isTransient reports whether an executor failure may succeed on retry.
func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || domain.IsRetryableError(err)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Output))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.ErrorResult(fmt.Sprintf("failed to format response: %v", err)), nil
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Output: data}, nil
	}
}

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// RequireFields validates multiple required string fields at once, given as
// name/value pairs.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if kvs[i+1] == "" {
			return fmt.Errorf("'%s' is required", kvs[i])
		}
	}
	return nil
}
