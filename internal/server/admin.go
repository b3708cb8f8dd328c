// admin.go - Site-admin endpoints: login, logout, file overview.
package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

const sessionCookieName = "cdp_session"

type loginReq struct {
	Password  string `json:"password"`
	LongLogin bool   `json:"long_login"`
}

// loginHandler exchanges the site password for a session cookie. A
// long_login request gets the extended TTL, for admins on trusted
// machines.
func loginHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		token, expires, err := eng.AdminLogin(r.Context(), req.Password, req.LongLogin)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    token,
			Expires:  expires,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			Secure:   r.TLS != nil,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"expires_at": expires.Format(time.RFC3339),
		})
	})
}

// logoutHandler revokes the session and clears the cookie.
func logoutHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := sessionTokenFrom(r); token != "" {
			if err := eng.AdminLogout(r.Context(), token); err != nil {
				writeEngineError(w, r, err)
				return
			}
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			HttpOnly: true,
		})
		writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
	})
}

// adminFileResp is one row of the admin overview.
type adminFileResp struct {
	Hash              string `json:"hash"`
	EncryptedFilename string `json:"e_filename"`
	IVFilename        string `json:"iv_filename"`
	SizeBytes         int64  `json:"size_bytes"`
	UploaderIP        string `json:"uploader_ip"`
	CreatedAt         string `json:"created_at"`
	ExpiresAt         string `json:"expires_at"`
	DownloadCount     int64  `json:"download_count"`
}

type adminOverviewResp struct {
	Files      []adminFileResp `json:"files"`
	LiveBytes  int64           `json:"live_bytes"`
	QuotaBytes int64           `json:"quota_bytes"`
}

// adminFilesHandler lists every live file plus quota usage. Requires a
// live session cookie.
func adminFilesHandler(eng *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overview, err := eng.AdminList(r.Context(), sessionTokenFrom(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		resp := adminOverviewResp{
			Files:      make([]adminFileResp, 0, len(overview.Files)),
			LiveBytes:  overview.LiveBytes,
			QuotaBytes: overview.QuotaBytes,
		}
		for _, row := range overview.Files {
			uploader := row.UploaderIP
			if p, err := ParsePrefix(row.UploaderIP); err == nil {
				uploader = p.Pretty()
			}
			resp.Files = append(resp.Files, adminFileResp{
				Hash:              row.ContentHash,
				EncryptedFilename: base64.RawURLEncoding.EncodeToString(row.EncryptedFilename),
				IVFilename:        base64.RawURLEncoding.EncodeToString(row.IVFilename),
				SizeBytes:         row.SizeBytes,
				UploaderIP:        uploader,
				CreatedAt:         row.CreatedAt.Format(time.RFC3339),
				ExpiresAt:         row.ExpiresAt.Format(time.RFC3339),
				DownloadCount:     row.DownloadCount,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
