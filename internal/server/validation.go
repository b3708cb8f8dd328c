// validation.go - Upload request parsing and validation.
//
// The server never sees plaintext: filename and file body arrive
// already encrypted, each with its own IV. Validation therefore checks
// shapes and bounds only, never content.
package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"time"
)

const (
	// maxFilenameBytes bounds the encrypted filename field. Generous
	// enough for any real filename plus AES-GCM overhead.
	maxFilenameBytes = 8 << 10

	// ivLen is the AES-GCM nonce length the browser uses.
	ivLen = 12
)

// UploadRequest is a fully validated upload, ready for the engine.
type UploadRequest struct {
	EncryptedFilename []byte
	FileData          []byte
	IVFiledata        []byte
	IVFilename        []byte
	Lifetime          time.Duration
}

// ValidationError describes a rejected upload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// parseLifetime maps the retention choice to a duration. Anything
// outside the fixed menu is rejected; the client cannot request an
// arbitrary expiry.
func parseLifetime(s string) (time.Duration, error) {
	switch s {
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, invalidField("duration", "must be one of hour, day, week")
	}
}

// uploadFields is the closed set of multipart parts an upload may carry.
var uploadFields = map[string]bool{
	"e_filename":  true,
	"e_filedata":  true,
	"iv_filedata": true,
	"iv_filename": true,
	"duration":    true,
}

// ParseUpload reads and validates a multipart upload stream. maxFileBytes
// is the per-file ceiling from config; the reader is consumed part by
// part so an oversized body is rejected without buffering all of it.
func ParseUpload(mr *multipart.Reader, maxFileBytes int64) (*UploadRequest, error) {
	req := &UploadRequest{}
	seen := map[string]bool{}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalidField("body", "malformed multipart stream")
		}

		name := part.FormName()
		if !uploadFields[name] {
			part.Close()
			return nil, invalidField(name, "unknown field")
		}
		if seen[name] {
			part.Close()
			return nil, invalidField(name, "duplicate field")
		}
		seen[name] = true

		var limit int64
		switch name {
		case "e_filedata":
			limit = maxFileBytes
		case "e_filename":
			limit = maxFilenameBytes
		default:
			limit = 64
		}

		// Read one byte past the limit so overflow is detectable.
		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		part.Close()
		if err != nil {
			// Propagate so the handler can spot http.MaxBytesError.
			return nil, fmt.Errorf("reading field %q: %w", name, err)
		}
		if int64(len(data)) > limit {
			return nil, invalidField(name, fmt.Sprintf("exceeds %d bytes", limit))
		}

		switch name {
		case "e_filename":
			req.EncryptedFilename = data
		case "e_filedata":
			req.FileData = data
		case "iv_filedata":
			req.IVFiledata = data
		case "iv_filename":
			req.IVFilename = data
		case "duration":
			req.Lifetime, err = parseLifetime(string(data))
			if err != nil {
				return nil, err
			}
		}
	}

	if len(req.FileData) == 0 {
		return nil, invalidField("e_filedata", "missing or empty")
	}
	if len(req.EncryptedFilename) == 0 {
		return nil, invalidField("e_filename", "missing or empty")
	}
	if len(req.IVFiledata) != ivLen {
		return nil, invalidField("iv_filedata", fmt.Sprintf("must be exactly %d bytes", ivLen))
	}
	if len(req.IVFilename) != ivLen {
		return nil, invalidField("iv_filename", fmt.Sprintf("must be exactly %d bytes", ivLen))
	}
	if req.Lifetime == 0 {
		return nil, invalidField("duration", "missing")
	}
	return req, nil
}
