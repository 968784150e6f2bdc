// Package chat defines the port for LLM completion backends.
package chat

import "context"

// Client produces assistant completions for a single user message.
type Client interface {
	// Complete returns the full completion text in one shot.
	Complete(ctx context.Context, message, model string) (string, error)

	// Stream delivers the completion incrementally. onFragment is called
	// once per content delta, in order, from a single goroutine. The
	// returned string is the concatenation of all fragments; it is valid
	// even when err is non-nil, carrying whatever arrived before the failure.
	Stream(ctx context.Context, message, model string, onFragment func(string)) (string, error)
}
