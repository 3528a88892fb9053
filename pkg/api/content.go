package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/GRhin/stronghold-lobby/pkg/auth"
	"github.com/GRhin/stronghold-lobby/pkg/coordinator"
	"github.com/GRhin/stronghold-lobby/pkg/extcache"
	"github.com/GRhin/stronghold-lobby/pkg/filestore"
	"github.com/GRhin/stronghold-lobby/pkg/model"
)

const maxUploadMemory = 32 << 20

// ContentHandler serves the per-session content store and the extension index
// cache. Uploads are host-only; downloads are open to any participant since
// file names carry no secrets.
type ContentHandler struct {
	Store *filestore.Store
	Cache *extcache.Cache
	Coord *coordinator.Coordinator
}

func (h *ContentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/{id}/upload", h.handleUpload)
	mux.HandleFunc("POST /session/{id}/upload_chunk", h.handleUploadChunk)
	mux.HandleFunc("GET /session/{id}/manifest", h.handleManifest)
	mux.HandleFunc("GET /session/{id}/file/{name}", h.handleFile)
	mux.HandleFunc("GET /extensionIndex", h.handleIndex)
	mux.HandleFunc("GET /extensionIndex/check/{filename}", h.handleIndexCheck)
}

// authorizeHost admits the request when the bearer token belongs to the
// session's host. Sessions hosted by anonymous connections skip the check.
func (h *ContentHandler) authorizeHost(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	sess, ok := h.Coord.Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return false
	}
	host, ok := sess.Host()
	if !ok || host.UserID == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := auth.Parse(token)
	if err != nil || claims.UserID != host.UserID {
		writeError(w, http.StatusForbidden, "only the session host may publish content")
		return false
	}
	return true
}

func (h *ContentHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !h.authorizeHost(w, r, sessionID) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	n, err := h.Store.Save(sessionID, header.Filename, file)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	log.Printf("content uploaded session=%s file=%s size=%d", sessionID, header.Filename, n)
	writeJSON(w, http.StatusOK, map[string]any{"file": header.Filename, "size": n})
}

func (h *ContentHandler) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !h.authorizeHost(w, r, sessionID) {
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart body")
		return
	}
	name := r.FormValue("filename")
	index, err1 := strconv.Atoi(r.FormValue("chunkIndex"))
	total, err2 := strconv.Atoi(r.FormValue("totalChunks"))
	if name == "" || err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "filename, chunkIndex and totalChunks required")
		return
	}
	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing chunk field")
		return
	}
	defer chunk.Close()
	done, err := h.Store.SaveChunk(sessionID, name, index, total, chunk)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if done {
		log.Printf("content upload finalized session=%s file=%s chunks=%d", sessionID, name, total)
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": name, "chunk": index, "done": done})
}

func (h *ContentHandler) handleManifest(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.Coord.Session(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	files, err := h.Store.Manifest(sessionID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Manifest{Files: files})
}

func (h *ContentHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	f, info, err := h.Store.Open(sessionID, r.PathValue("name"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("content stream failed session=%s file=%s: %v", sessionID, info.Name(), err)
	}
}

func (h *ContentHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeError(w, http.StatusNotFound, "extension index disabled")
		return
	}
	entries, err := h.Cache.List(r.Context())
	if err != nil {
		if errors.Is(err, extcache.ErrDisabled) {
			writeError(w, http.StatusNotFound, "extension index disabled")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *ContentHandler) handleIndexCheck(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeError(w, http.StatusNotFound, "extension index disabled")
		return
	}
	filename := r.PathValue("filename")
	entry, ok, err := h.Cache.Check(r.Context(), filename, r.URL.Query().Get("version"))
	if err != nil {
		if errors.Is(err, extcache.ErrDisabled) {
			writeError(w, http.StatusNotFound, "extension index disabled")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not served by index")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *ContentHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, filestore.ErrBadName), errors.Is(err, filestore.ErrChunkOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
