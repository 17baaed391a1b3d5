// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/metadb"
)

// resolveTarget maps a client-supplied relative path into the base directory,
// rejecting traversal.
func (a *api) resolveTarget(rel string) (abs, clean string, err error) {
	base, err := filepath.Abs(a.Config.Get().BaseDir)
	if err != nil {
		return "", "", err
	}
	clean = path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))[1:]
	if clean == "" || clean == "." {
		return "", "", errors.New("empty path")
	}
	abs = filepath.Join(base, filepath.FromSlash(clean))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", "", errors.New("path escapes base directory")
	}
	return abs, clean, nil
}

func (a *api) listFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	var recs []metadb.FileRecord
	var err error
	if search := q.Get("q"); search != "" {
		recs, err = a.DB.SearchFiles(search, limit)
	} else {
		recs, err = a.DB.ListFiles(q.Get("prefix"), limit, offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing files: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": recs, "count": len(recs)})
}

// createFile makes a directory under the base tree.
func (a *api) createFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Dir  bool   `json:"dir"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if !req.Dir {
		writeError(w, http.StatusBadRequest, "only directories can be created here; use /upload for files")
		return
	}
	abs, clean, err := a.resolveTarget(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad path: %v", err)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "creating directory: %v", err)
		return
	}
	rec := &metadb.FileRecord{Path: clean, Name: path.Base(clean), IsDir: true}
	if err := a.DB.UpsertFile(rec); err != nil {
		a.Log.Warn("recording directory", zap.String("path", clean), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": clean})
}

func (a *api) deleteFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, clean, err := a.resolveTarget(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad path: %v", err)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting: %v", err)
		return
	}
	// Drop the cache sidecar too if the path was a cached entry.
	_ = a.Store.Evict(clean)
	if err := a.DB.SoftDeleteFile(clean); err != nil && !errors.Is(err, sql.ErrNoRows) {
		a.Log.Warn("soft delete", zap.String("path", clean), zap.Error(err))
	}
	a.Queue.Delete(clean)
	a.Notifier.Emit(EventFileDeleted, map[string]any{"path": clean})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": clean})
}

// upload accepts one multipart file. The size gate fires before the body is
// consumed; a short or over-declared transfer rolls the temp file back.
func (a *api) upload(w http.ResponseWriter, r *http.Request) {
	maxSize := a.Config.Get().MaxUploadSize
	if maxSize > 0 && r.ContentLength > maxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds limit of %d bytes", maxSize)
		return
	}
	if maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart body: %v", err)
		return
	}

	var targetDir string
	var declaredSize int64 = -1
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "no file part in upload")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading multipart: %v", err)
			return
		}
		switch part.FormName() {
		case "path":
			b, _ := io.ReadAll(io.LimitReader(part, 4096))
			targetDir = strings.TrimSpace(string(b))
			continue
		case "size":
			b, _ := io.ReadAll(io.LimitReader(part, 64))
			if n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil {
				declaredSize = n
			}
			continue
		case "file":
		default:
			continue
		}

		name := filepath.Base(part.FileName())
		if name == "" || name == "." || name == string(filepath.Separator) {
			writeError(w, http.StatusBadRequest, "file part has no name")
			return
		}
		a.receive(w, part, path.Join(targetDir, name), declaredSize)
		return
	}
}

func (a *api) receive(w http.ResponseWriter, src io.Reader, rel string, declaredSize int64) {
	abs, clean, err := a.resolveTarget(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad path: %v", err)
		return
	}
	if _, err := os.Stat(abs); err == nil {
		writeError(w, http.StatusConflict, "file already exists: %s", clean)
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "creating directory: %v", err)
		return
	}

	// Stream into a temp sibling so a failed transfer never leaves a partial
	// file visible at the final path.
	tmp := fmt.Sprintf("%s.tmp.%d", abs, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating temp file: %v", err)
		return
	}
	written, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	rollback := func(status int, format string, args ...any) {
		os.Remove(tmp)
		writeError(w, status, format, args...)
	}
	switch {
	case copyErr != nil:
		if errors.Is(copyErr, syscall.ENOSPC) {
			rollback(http.StatusInsufficientStorage, "storage full")
			return
		}
		var mbe *http.MaxBytesError
		if errors.As(copyErr, &mbe) {
			rollback(http.StatusRequestEntityTooLarge, "upload exceeds limit of %d bytes", mbe.Limit)
			return
		}
		rollback(http.StatusInternalServerError, "upload incomplete: size mismatch")
		return
	case closeErr != nil:
		rollback(http.StatusInternalServerError, "finalising upload: %v", closeErr)
		return
	case declaredSize >= 0 && written != declaredSize:
		rollback(http.StatusInternalServerError,
			"upload incomplete: size mismatch (declared %d, received %d)", declaredSize, written)
		return
	}
	if err := os.Rename(tmp, abs); err != nil {
		rollback(http.StatusInternalServerError, "placing upload: %v", err)
		return
	}

	rec := &metadb.FileRecord{Path: clean, Name: path.Base(clean), Size: written, SyncStatus: metadb.SyncPending}
	if mt := mime.TypeByExtension(path.Ext(clean)); mt != "" {
		rec.MimeType.String, rec.MimeType.Valid = mt, true
	}
	if err := a.DB.CreateFile(rec); err != nil {
		if errors.Is(err, metadb.ErrDuplicatePath) {
			if err := a.DB.UpsertFile(rec); err != nil {
				a.Log.Warn("refreshing upload record", zap.String("path", clean), zap.Error(err))
			}
		} else {
			a.Log.Warn("recording upload", zap.String("path", clean), zap.Error(err))
		}
	}
	a.Queue.Add(rec)
	a.Notifier.Emit(EventFileUploaded, map[string]any{"path": clean, "size": written})
	writeJSON(w, http.StatusCreated, map[string]any{"path": clean, "size": written})
}
