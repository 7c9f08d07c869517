package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Job represents one unit of work decoded from a queue message
type Job struct {
	ID          string
	ScaleFactor int
	Attempt     int // receive count reported by the queue, 0 if unknown
}

// JobMessage is the wire body produced by the ingress service
type JobMessage struct {
	ID              string          `json:"id"`
	ScaleFactor     json.RawMessage `json:"scale_factor,omitempty"`
	OperationParams json.RawMessage `json:"operation_params,omitempty"`
}

// OriginalKey returns the blob key of the uploaded image for a job id
func OriginalKey(id string) string {
	return id + "-" + OriginalSuffix
}

// ResultKey returns the blob key of a job's output for the given operation
func ResultKey(id, operation string) string {
	return id + "-" + operation
}

// ParseJob decodes a message body into a Job.
// scale_factor may be a number or an object keyed by operation name, e.g.
// {"upscaled": 2}; operation_params may carry {"scale_factor": n}.
// A missing factor falls back to defaultFactor.
func ParseJob(body []byte, operation string, defaultFactor int) (*Job, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	id := strings.TrimSpace(msg.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("%w: id %q contains a path separator", ErrMalformedMessage, id)
	}

	factor := 0
	var err error
	switch {
	case isPresent(msg.ScaleFactor):
		factor, err = decodeFactor(msg.ScaleFactor, operation)
	case isPresent(msg.OperationParams):
		var params struct {
			ScaleFactor json.RawMessage `json:"scale_factor"`
		}
		if err := json.Unmarshal(msg.OperationParams, &params); err != nil {
			return nil, fmt.Errorf("%w: operation_params: %v", ErrMalformedMessage, err)
		}
		if isPresent(params.ScaleFactor) {
			factor, err = decodeFactor(params.ScaleFactor, operation)
		}
	}
	if err != nil {
		return nil, err
	}

	if factor == 0 {
		factor = defaultFactor
	}

	return &Job{
		ID:          id,
		ScaleFactor: factor,
	}, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeFactor(raw json.RawMessage, operation string) (int, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n != float64(int(n)) || n < 1 {
			return 0, fmt.Errorf("%w: scale_factor %v is not a positive integer", ErrMalformedMessage, n)
		}
		return int(n), nil
	}

	var byOperation map[string]float64
	if err := json.Unmarshal(raw, &byOperation); err != nil {
		return 0, fmt.Errorf("%w: unsupported scale_factor %s", ErrMalformedMessage, string(raw))
	}

	v, ok := byOperation[operation]
	if !ok {
		return 0, nil
	}
	if v != float64(int(v)) || v < 1 {
		return 0, fmt.Errorf("%w: scale_factor %v is not a positive integer", ErrMalformedMessage, v)
	}
	return int(v), nil
}
