package validator

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"cxr-report-pipeline/models"
)

// InvalidImageError rejects a submission before any network call is made.
type InvalidImageError struct {
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image: %s", e.Reason)
}

// allowedMimeTypes are the upload content types the pipeline accepts.
var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
}

// Validator checks format and size constraints on uploaded images.
// Pure and deterministic, no network or disk side effects.
type Validator struct {
	maxBytes int64
}

// New creates a validator enforcing the given maximum image size in bytes.
func New(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// Validate checks the uploaded bytes against the declared MIME type and the
// configured size limit, and confirms the content decodes as a JPEG image.
func (v *Validator) Validate(data []byte, declaredMime, filename string) (*models.ImageSubmission, error) {
	if len(data) == 0 {
		return nil, &InvalidImageError{Reason: "the uploaded file is empty"}
	}

	if int64(len(data)) > v.maxBytes {
		return nil, &InvalidImageError{
			Reason: fmt.Sprintf("file size %d exceeds maximum of %d bytes", len(data), v.maxBytes),
		}
	}

	if !allowedMimeTypes[declaredMime] {
		return nil, &InvalidImageError{
			Reason: fmt.Sprintf("unsupported content type %q, only JPEG is accepted", declaredMime),
		}
	}

	// DecodeConfig reads only the header, which is enough to reject
	// non-JPEG payloads smuggled under a JPEG content type.
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, &InvalidImageError{
			Reason: fmt.Sprintf("content does not parse as JPEG: %v", err),
		}
	}

	return &models.ImageSubmission{
		Data:     data,
		MimeType: "image/jpeg",
		Size:     int64(len(data)),
		Filename: filename,
	}, nil
}
