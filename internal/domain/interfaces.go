// ABOUTME: Domain interfaces for dependency inversion
// ABOUTME: Allows station to depend on abstractions, not concrete implementations
package domain

import (
	"context"
	"io"
)

// StreamSource provides the framed sample stream of a station
type StreamSource interface {
	Connect(ctx context.Context) (io.ReadCloser, error)
}
