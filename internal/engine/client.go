package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Job status strings as reported by the engine.
const (
	JobStatusActive   = "active"
	JobStatusWaiting  = "waiting"
	JobStatusPaused   = "paused"
	JobStatusError    = "error"
	JobStatusComplete = "complete"
	JobStatusRemoved  = "removed"
)

// Job is the engine's view of a single download.
type Job struct {
	GID             string
	Status          string
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	UploadSpeed     int64
	InfoHash        string
	Dir             string
	Name            string
	ErrorCode       string
	ErrorMessage    string
	FollowedBy      []string
	Files           []JobFile
}

// JobFile is one file within an engine job.
type JobFile struct {
	Path            string
	Length          int64
	CompletedLength int64
}

// Client wraps the RPC protocol spoken by the external download engine.
// Implementations are stateless per call: no retries, no caching of engine
// state. Transport failures surface as ErrUnreachable; protocol-level
// refusals surface as *EngineError.
type Client interface {
	AddURI(ctx context.Context, uri string) (gid string, err error)
	AddTorrent(ctx context.Context, blob []byte) (gid string, err error)
	Pause(ctx context.Context, gid string) error
	Unpause(ctx context.Context, gid string) error
	Remove(ctx context.Context, gid string) error
	RemoveResult(ctx context.Context, gid string) error
	TellStatus(ctx context.Context, gid string) (Job, error)
	TellActive(ctx context.Context) ([]Job, error)
	TellStopped(ctx context.Context, offset, limit int) ([]Job, error)
}

// ErrUnreachable indicates the transport could not reach the engine at all
// (connection refused, timeout). Callers decide whether to retry.
var ErrUnreachable = errors.New("engine unreachable")

// EngineError is a protocol-level refusal from the engine, e.g. an unknown
// job id or a malformed source.
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine rejected request (code %d): %s", e.Code, e.Message)
}

// IsNotFound reports whether err is an engine refusal for a job id the
// engine no longer knows about.
func IsNotFound(err error) bool {
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		return false
	}
	return strings.Contains(strings.ToLower(engineErr.Message), "not found")
}
