// upload.go - POST /api/upload: accept a browser-encrypted file.
package server

import (
	"errors"
	"net/http"
)

// uploadHandler accepts a multipart upload of already-encrypted bytes
// and answers with the content hash and the one-time admin key.
//
// Required form fields: e_filedata, e_filename, iv_filedata,
// iv_filename, duration. Unknown or duplicate fields are rejected.
func uploadHandler(eng *Engine, cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Multipart framing adds overhead on top of the payload fields.
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileBytes+maxFilenameBytes+(16<<10))

		prefix, err := clientPrefix(r, cfg.ProxyDepth)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}

		req, err := ParseUpload(mr, cfg.MaxFileBytes)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
				return
			}
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				http.Error(w, vErr.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		receipt, err := eng.Upload(r.Context(), prefix, req)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, receipt)
	})
}
