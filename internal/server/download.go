// download.go - GET /api/file/{hash}: stream the encrypted bytes back.
package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
)

// downloadHandler streams the blob for a live file. The body is the
// ciphertext exactly as uploaded; decryption metadata rides in headers
// so the browser can fetch everything in one round trip.
func downloadHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if len(hash) != contentHashLen {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		row, body, size, err := eng.Download(r.Context(), hash)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("X-Encrypted-Filename", base64.RawURLEncoding.EncodeToString(row.EncryptedFilename))
		w.Header().Set("X-IV-Filedata", base64.RawURLEncoding.EncodeToString(row.IVFiledata))
		w.Header().Set("X-IV-Filename", base64.RawURLEncoding.EncodeToString(row.IVFilename))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, body); err != nil {
			// Client went away mid-transfer. The counter already moved.
			Debug("download aborted", map[string]any{"hash": hash, "error": err.Error()})
		}
	})
}
