// Package assets provides embedded static assets for the application.
package assets

import (
	_ "embed"
)

// VariationVocabulary holds the prompt templates and slot vocabularies used to
// synthesize variation instructions. The prompt package parses it once at startup.
//
//go:embed variations.yaml
var VariationVocabulary []byte

// VariationSystemInstruction is sent as the system instruction on every
// image-editing request.
const VariationSystemInstruction = "You are an image editor. Apply the requested change to the provided image and return the edited image. " +
	"Keep the output photorealistic unless a specific art style is requested, and preserve the original aspect ratio."
