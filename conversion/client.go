package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// State is the provider-neutral view of an external conversion task.
type State string

const (
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

// PollResult is the single shape the orchestrator sees, regardless of which
// provider answered and how its response is keyed.
type PollResult struct {
	State       State
	Progress    int
	ArtifactURL string
	Reason      string
}

// Client submits images for 3D conversion and tracks the resulting task.
// Implementations never retry on their own; retry policy belongs to the
// orchestrator.
type Client interface {
	Submit(ctx context.Context, image []byte, contentType string) (string, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error)
}

// SubmissionError means the provider rejected the submission itself.
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submission rejected (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("submission rejected: %s", e.Message)
}

// PollError is a failed status check. Transient errors (timeouts, 5xx, rate
// limits) are safe to retry; the rest are not.
type PollError struct {
	Transient  bool
	StatusCode int
	Message    string
}

func (e *PollError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("poll failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("poll failed: %s", e.Message)
}

// DownloadError is a failed artifact fetch.
type DownloadError struct {
	Transient  bool
	StatusCode int
	Message    string
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("artifact download failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("artifact download failed: %s", e.Message)
}

// IsTransient reports whether the error is worth retrying on a later poll.
func IsTransient(err error) bool {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// transientStatus classifies an HTTP status the way both providers behave:
// rate limits and server-side errors clear up on their own, 4xx do not.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

const maxErrorBody = 4 << 10

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(b)
}

// New builds a client for the configured provider.
func New(provider, apiKey string, log *zap.Logger) (Client, error) {
	switch provider {
	case "meshy", "":
		return NewMeshyClient(apiKey, log), nil
	case "tripo":
		return NewTripoClient(apiKey, log), nil
	}
	return nil, fmt.Errorf("unknown conversion provider %q", provider)
}
