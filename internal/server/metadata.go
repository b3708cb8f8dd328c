// metadata.go - GET /api/file/{hash}/meta and DELETE /api/file/{hash}.
package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

// fileMetaResp is the metadata view for a single file. The privileged
// fields only appear when the caller proves ownership or admin status.
type fileMetaResp struct {
	Hash              string `json:"hash"`
	EncryptedFilename string `json:"e_filename"`
	IVFilename        string `json:"iv_filename"`
	IVFiledata        string `json:"iv_filedata"`
	SizeBytes         int64  `json:"size_bytes"`
	ExpiresAt         string `json:"expires_at"`

	CreatedAt     string `json:"created_at,omitempty"`
	DownloadCount *int64 `json:"download_count,omitempty"`
	UploaderIP    string `json:"uploader_ip,omitempty"`
}

// metadataHandler answers the pre-download view: enough for the browser
// to show the decrypted filename and size before fetching the body.
// With the file's admin key or a site session the response additionally
// carries the bookkeeping columns.
func metadataHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if len(hash) != contentHashLen {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		row, err := eng.Metadata(r.Context(), hash)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		resp := fileMetaResp{
			Hash:              row.ContentHash,
			EncryptedFilename: base64.RawURLEncoding.EncodeToString(row.EncryptedFilename),
			IVFilename:        base64.RawURLEncoding.EncodeToString(row.IVFilename),
			IVFiledata:        base64.RawURLEncoding.EncodeToString(row.IVFiledata),
			SizeBytes:         row.SizeBytes,
			ExpiresAt:         row.ExpiresAt.Format(time.RFC3339),
		}

		if eng.authorizeMutation(r.Context(), row, r.Header.Get("X-Admin-Key"), sessionTokenFrom(r)) == nil {
			resp.CreatedAt = row.CreatedAt.Format(time.RFC3339)
			count := row.DownloadCount
			resp.DownloadCount = &count
			if p, err := ParsePrefix(row.UploaderIP); err == nil {
				resp.UploaderIP = p.Pretty()
			}
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

// deleteHandler removes a file when the caller holds its admin key or a
// live site session.
func deleteHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if len(hash) != contentHashLen {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		err := eng.Delete(r.Context(), hash, r.Header.Get("X-Admin-Key"), sessionTokenFrom(r))
		if errors.Is(err, ErrUnauthorized) {
			// A wrong key and an absent file answer identically, so the
			// endpoint cannot be probed for which hashes exist.
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"deleted": hash})
	})
}

// sessionTokenFrom extracts the site-session token from the request
// cookie, if present.
func sessionTokenFrom(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
