package api

import (
	"archive/zip"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// handleUpload accepts multipart files under the `files` field and
// stores them under randomized names. The returned path is a download
// URL that requires a gapId and the read predicate to fetch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize*int64(s.cfg.MaxFilesPerReq)+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, core.Wrap(core.KindPayloadTooLarge, "request body too large", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, core.E(core.KindInvalid, "no files in `files` field"))
		return
	}
	if len(files) > s.cfg.MaxFilesPerReq {
		writeError(w, core.Ef(core.KindPayloadTooLarge, "at most %d files per request", s.cfg.MaxFilesPerReq))
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		writeError(w, core.Wrap(core.KindInternal, "create upload dir", err))
		return
	}

	saved := make(core.Attachments, 0, len(files))
	cleanup := func() {
		for _, a := range saved {
			os.Remove(filepath.Join(s.cfg.UploadDir, a.Filename))
		}
	}
	for _, fh := range files {
		if fh.Size > s.cfg.MaxFileSize {
			cleanup()
			writeError(w, core.Ef(core.KindPayloadTooLarge, "%s exceeds the %d byte limit", fh.Filename, s.cfg.MaxFileSize))
			return
		}
		att, err := s.saveOne(fh)
		if err != nil {
			cleanup()
			writeError(w, err)
			return
		}
		saved = append(saved, att)
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) saveOne(fh *multipart.FileHeader) (core.Attachment, error) {
	src, err := fh.Open()
	if err != nil {
		return core.Attachment{}, core.Wrap(core.KindInternal, "open upload", err)
	}
	defer src.Close()

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), sanitizeExt(fh.Filename))
	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, name))
	if err != nil {
		return core.Attachment{}, core.Wrap(core.KindInternal, "store upload", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, io.LimitReader(src, s.cfg.MaxFileSize+1))
	if err != nil {
		os.Remove(dst.Name())
		return core.Attachment{}, core.Wrap(core.KindInternal, "store upload", err)
	}
	if n > s.cfg.MaxFileSize {
		os.Remove(dst.Name())
		return core.Attachment{}, core.Ef(core.KindPayloadTooLarge, "%s exceeds the %d byte limit", fh.Filename, s.cfg.MaxFileSize)
	}

	mimetype := fh.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return core.Attachment{
		OriginalName: fh.Filename,
		Filename:     name,
		Size:         n,
		Mimetype:     mimetype,
		Path:         "/api/files/" + name,
	}, nil
}

// sanitizeExt keeps a safe extension from the client-supplied name.
func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	for _, r := range ext {
		if r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// handleDownloadFile streams one stored file. The caller must name a
// gap that references the file and be able to read that gap.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, core.E(core.KindInvalid, "invalid file name"))
		return
	}
	gapID, err := parseQueryID(r, "gapId")
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := s.gaps.Get(r.Context(), mustUser(r), gapID)
	if err != nil {
		writeError(w, err)
		return
	}
	att, ok := s.findAttachment(r, g, name)
	if !ok {
		writeError(w, core.Ef(core.KindNotFound, "file %s not found on gap %d", name, gapID))
		return
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, core.Ef(core.KindNotFound, "file %s not found", name))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", att.Mimetype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.OriginalName))
	http.ServeContent(w, r, att.OriginalName, time.Time{}, f)
}

// findAttachment locates the descriptor across the gap's own files,
// its resolution files (live and archived), and its comments.
func (s *Server) findAttachment(r *http.Request, g *core.Gap, name string) (core.Attachment, bool) {
	pools := []core.Attachments{g.Attachments, g.ResolutionAttachments}
	if hist, err := s.db.ListResolutionHistory(r.Context(), g.ID); err == nil {
		for _, h := range hist {
			pools = append(pools, h.Attachments)
		}
	}
	if comments, err := s.db.ListComments(r.Context(), g.ID); err == nil {
		for _, c := range comments {
			pools = append(pools, c.Attachments)
		}
	}
	for _, pool := range pools {
		for _, a := range pool {
			if a.Filename == name {
				return a, true
			}
		}
	}
	return core.Attachment{}, false
}

func parseQueryID(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, core.Ef(core.KindInvalid, "%s query parameter is required", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.Ef(core.KindInvalid, "%s must be a positive integer", key)
	}
	return id, nil
}

// zipEntry pairs a stored file with its folder inside the archive.
type zipEntry struct {
	att    core.Attachment
	folder string
}

// handleDownloadZip streams every attachment on the gap (intake,
// resolution cycles, comments) as a single archive. Bounds are checked
// before the first byte is written so oversized gaps fail with 413
// instead of a truncated stream.
func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	g, err := s.gaps.Get(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var entries []zipEntry
	var total int64
	add := func(folder string, atts core.Attachments) {
		for _, a := range atts {
			entries = append(entries, zipEntry{att: a, folder: folder})
			total += a.Size
		}
	}
	add("", g.Attachments)
	add("resolution", g.ResolutionAttachments)
	if hist, err := s.db.ListResolutionHistory(r.Context(), g.ID); err == nil {
		for _, h := range hist {
			add("resolution", h.Attachments)
		}
	}
	comments, err := s.db.ListComments(r.Context(), g.ID)
	if err == nil {
		for i, c := range comments {
			add(fmt.Sprintf("comment-%d", i+1), c.Attachments)
		}
	}

	if len(entries) == 0 {
		writeError(w, core.Ef(core.KindNotFound, "gap %d has no attachments", g.ID))
		return
	}
	if len(entries) > s.cfg.ZipMaxFiles {
		writeError(w, core.Ef(core.KindPayloadTooLarge, "archive would contain %d files (limit %d)", len(entries), s.cfg.ZipMaxFiles))
		return
	}
	if total > s.cfg.ZipMaxBytes {
		writeError(w, core.Ef(core.KindPayloadTooLarge, "archive would be %d bytes (limit %d)", total, s.cfg.ZipMaxBytes))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", g.GapID+"-attachments.zip"))

	zw := zip.NewWriter(w)
	defer zw.Close()
	used := map[string]int{}
	for _, e := range entries {
		entryName := e.att.OriginalName
		if entryName == "" {
			entryName = e.att.Filename
		}
		if e.folder != "" {
			entryName = e.folder + "/" + entryName
		}
		used[entryName]++
		if n := used[entryName]; n > 1 {
			ext := filepath.Ext(entryName)
			entryName = strings.TrimSuffix(entryName, ext) + fmt.Sprintf(" (%d)", n-1) + ext
		}
		if err := s.writeZipEntry(zw, entryName, e.att); err != nil {
			// Headers are out; all we can do is stop the stream.
			s.logger.Error("zip stream aborted", "gap", g.ID, "file", e.att.Filename, "error", err)
			return
		}
	}
}

func (s *Server) writeZipEntry(zw *zip.Writer, entryName string, att core.Attachment) error {
	name := filepath.Base(att.Filename)
	f, err := os.Open(filepath.Join(s.cfg.UploadDir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	dst, err := zw.Create(entryName)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}
