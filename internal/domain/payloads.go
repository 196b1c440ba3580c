package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EmbedJob is the payload on the embedding queue.
type EmbedJob struct {
	TrackID  string   `json:"trackId"`
	FilePath string   `json:"filePath"`
	Duration *float64 `json:"duration,omitempty"`
}

// AnalyzeJob is the payload on the feature-analysis queue.
type AnalyzeJob struct {
	TrackID  string `json:"trackId"`
	FilePath string `json:"filePath"`
}

// TextEmbedRequest is one stream entry on the text-embed request stream.
// ResponseKey may be empty; consumers derive it from the request id.
type TextEmbedRequest struct {
	RequestID   string
	Text        string
	ResponseKey string
}

// TextEmbedResponse is pushed onto the per-request response list.
type TextEmbedResponse struct {
	RequestID    string    `json:"requestId"`
	Success      bool      `json:"success"`
	Embedding    []float32 `json:"embedding,omitempty"`
	ModelVersion string    `json:"modelVersion"`
	Error        string    `json:"error,omitempty"`
}

// ParseEmbedJob validates a raw queue payload. Malformed entries are dropped
// by the caller.
func ParseEmbedJob(raw []byte) (EmbedJob, error) {
	var j EmbedJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return EmbedJob{}, fmt.Errorf("op=payload.parse_embed: %w: %v", ErrInvalidArgument, err)
	}
	if j.TrackID == "" || j.FilePath == "" {
		return EmbedJob{}, fmt.Errorf("op=payload.parse_embed: %w: trackId and filePath required", ErrInvalidArgument)
	}
	return j, nil
}

// ParseAnalyzeJob validates a raw queue payload.
func ParseAnalyzeJob(raw []byte) (AnalyzeJob, error) {
	var j AnalyzeJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return AnalyzeJob{}, fmt.Errorf("op=payload.parse_analyze: %w: %v", ErrInvalidArgument, err)
	}
	if j.TrackID == "" || j.FilePath == "" {
		return AnalyzeJob{}, fmt.Errorf("op=payload.parse_analyze: %w: trackId and filePath required", ErrInvalidArgument)
	}
	return j, nil
}

// NormalizePath canonicalizes mixed separators and joins against the mount
// root. Backslashes come from jobs enqueued by Windows producers.
func NormalizePath(root, rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimPrefix(rel, "/")
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		return rel
	}
	return root + "/" + rel
}
