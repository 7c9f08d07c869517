package domain

// Operation and blob key constants
const (
	OperationUpscale = "upscaled"
	OriginalSuffix   = "original"

	ContentTypePNG = "image/png"

	DefaultScaleFactor = 2
)
