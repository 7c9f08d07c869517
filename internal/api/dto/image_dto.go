package dto

// UploadResponse is returned by POST /v1/upload. Original and Upscaled are
// presigned URLs when the blob store supports them, blob keys otherwise.
type UploadResponse struct {
	ID          string `json:"id"`
	ScaleFactor int    `json:"scale_factor"`
	Original    string `json:"original"`
	Upscaled    string `json:"upscaled"`
}

type ImageStatusResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Original string `json:"original,omitempty"`
	Upscaled string `json:"upscaled,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}
