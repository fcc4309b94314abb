// Package content talks to the external text and image generation service.
package content

import (
	"context"
)

// StageSpec asks for one block of generated text.
type StageSpec struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// AssetSpec asks for one binary asset such as a cover image.
type AssetSpec struct {
	Name   string            `json:"name"`
	Prompt string            `json:"prompt"`
	Params map[string]string `json:"params,omitempty"`
}

// Provider is the content-generation capability used by the orchestrator.
// Both calls may fail with domain.ErrRateLimited.
type Provider interface {
	GenerateStage(ctx context.Context, spec StageSpec) (string, error)
	GenerateAsset(ctx context.Context, spec AssetSpec) ([]byte, error)
}
