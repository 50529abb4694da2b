// Copyright 2025 James Ross
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const idLength = 16

// idPayload is the structure hashed for the default content-addressed
// pipeline ID: {pipelineType, data: input}.
type idPayload struct {
	PipelineType string `json:"pipelineType"`
	Data         Opaque `json:"data"`
}

// ComputePipelineID returns either cfg.ComputeInputHash(input) or a 16-hex
// SHA-256 of {pipelineType, data: input}. The intent is memoization:
// repeated starts with identical input return the same ID.
func ComputePipelineID(cfg Config, input Opaque) (string, error) {
	if cfg.ComputeInputHash != nil {
		return cfg.ComputeInputHash(input), nil
	}
	b, err := json.Marshal(idPayload{PipelineType: cfg.Name, Data: input})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:idLength], nil
}

// ComputeConfigHash is a deterministic fingerprint of the ordered job-name
// list: SHA-256(join(',', jobNamesInOrder)) truncated to 16 hex. It is
// derived from job names only: renaming, inserting, removing or reordering
// jobs changes the hash; changing a job's internal implementation does not —
// operators invalidate by renaming.
func ComputeConfigHash(cfg Config) string {
	joined := strings.Join(JobNames(cfg), ",")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:idLength]
}
