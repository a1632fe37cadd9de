package chat

import "os"

// Gemini image model IDs
//
// | Model Name                  | API Model ID                | Use Case                       |
// |-----------------------------|-----------------------------|--------------------------------|
// | Gemini 2.5 Flash Image      | gemini-2.5-flash-image      | Fast image edits (default)     |
// | Gemini 3 Pro Image          | gemini-3-pro-image-preview  | Advanced image generation/edit |
const (
	// ModelGemini25FlashImage is the stable, fast image editing model.
	ModelGemini25FlashImage = "gemini-2.5-flash-image"

	// ModelGemini3ProImage is for advanced image generation/edit.
	ModelGemini3ProImage = "gemini-3-pro-image-preview"
)

// DefaultImageModel is the Gemini model used for variations.
// Can be overridden via GEMINI_MODEL environment variable.
const DefaultImageModel = ModelGemini25FlashImage

// GetModelName returns the Gemini model to use, resolved from:
// 1. the explicit name (if non-empty)
// 2. GEMINI_MODEL environment variable (if set)
// 3. Default: gemini-2.5-flash-image
func GetModelName(name string) string {
	if name != "" {
		return name
	}
	if env := os.Getenv("GEMINI_MODEL"); env != "" {
		return env
	}
	return DefaultImageModel
}
