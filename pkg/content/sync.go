package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

// ChunkSize is the threshold above which uploads switch to chunked transfer,
// and the size of each chunk.
const ChunkSize = 25 * 1024 * 1024

var ErrNoManifest = errors.New("session has no published content")

// Engine runs the sync protocol against a coordinator's content endpoints.
type Engine struct {
	BaseURL string
	HTTP    *http.Client
}

func NewEngine(baseURL string) *Engine {
	return &Engine{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// ComputeDiff compares the local install against the host's published config
// and manifest and returns what must change. The config diff, when present,
// is always first so it is applied before any archive.
func (e *Engine) ComputeDiff(ctx context.Context, sessionID, installDir string) ([]model.FileDiff, error) {
	installDir = InstallDir(installDir)
	manifest, err := e.fetchManifest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	serverCfg, err := e.fetchConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if serverCfg == nil {
		return nil, ErrNoManifest
	}
	localCfg, err := LoadConfig(installDir)
	if err != nil {
		return nil, err
	}

	var diffs []model.FileDiff
	// An absent local config is just the empty load order, which never covers
	// a non-empty host one. Both cases replace the whole file.
	if localCfg == nil || !coversLoadOrder(localCfg, serverCfg) {
		diffs = append(diffs, model.FileDiff{File: ConfigFileName, Reason: model.ReasonVersionMismatch, Kind: model.KindConfig})
	}

	for _, entry := range serverCfg.LoadOrder() {
		archive := ArchiveName(entry.Extension, entry.Version)
		kind := serverCfg.Kind(entry.Extension)
		if kind == model.KindPlugin {
			// Plugins install as folders; presence is the whole check.
			if _, err := os.Stat(pluginPath(installDir, entry.Extension+"-"+entry.Version)); err == nil {
				continue
			}
			d := model.FileDiff{File: archive, Reason: model.ReasonMissing, Kind: model.KindPlugin}
			e.annotateSource(ctx, &d, entry.Version, manifest)
			diffs = append(diffs, d)
			continue
		}
		want, inStore := manifest[archive]
		info, err := os.Stat(modulePath(installDir, archive))
		switch {
		case err != nil:
			d := model.FileDiff{File: archive, Reason: model.ReasonMissing, Kind: model.KindModule, ServerSize: want}
			e.annotateSource(ctx, &d, entry.Version, manifest)
			diffs = append(diffs, d)
		case inStore && info.Size() != want:
			d := model.FileDiff{File: archive, Reason: model.ReasonSizeMismatch, Kind: model.KindModule, ServerSize: want}
			e.annotateSource(ctx, &d, entry.Version, manifest)
			diffs = append(diffs, d)
		}
	}
	return diffs, nil
}

// annotateSource points a diff at the public extension index when the session
// store does not carry the file.
func (e *Engine) annotateSource(ctx context.Context, d *model.FileDiff, version string, manifest map[string]int64) {
	if _, ok := manifest[d.File]; ok {
		return
	}
	if entry, ok := e.checkIndex(ctx, d.File, version); ok {
		d.SourceURL = entry.DownloadURL
		if d.ServerSize == 0 {
			d.ServerSize = entry.Size
		}
	}
}

// DownloadUpdates applies a diff. Every created path is recorded in the sync
// history marker before moving on, and replaced files are set aside with a
// .bak suffix, so a crash at any point stays recoverable.
func (e *Engine) DownloadUpdates(ctx context.Context, sessionID, installDir string, diffs []model.FileDiff) error {
	installDir = InstallDir(installDir)
	for _, d := range diffs {
		if err := e.applyDiff(ctx, sessionID, installDir, d); err != nil {
			return fmt.Errorf("apply %s: %w", d.File, err)
		}
		log.Printf("content sync applied file=%s reason=%s", d.File, d.Reason)
	}
	return nil
}

func (e *Engine) applyDiff(ctx context.Context, sessionID, installDir string, d model.FileDiff) error {
	src := d.SourceURL
	if src == "" {
		src = e.BaseURL + "/session/" + url.PathEscape(sessionID) + "/file/" + url.PathEscape(d.File)
	}
	switch d.Kind {
	case model.KindConfig:
		dest := filepath.Join(installDir, ConfigFileName)
		_, statErr := os.Stat(dest)
		if err := backup(dest); err != nil {
			return err
		}
		if err := e.downloadTo(ctx, src, dest); err != nil {
			return err
		}
		if os.IsNotExist(statErr) {
			// Created rather than replaced; rollback must delete it.
			return appendHistory(installDir, ConfigFileName)
		}
		return nil
	case model.KindPlugin:
		folder := pluginPath(installDir, strings.TrimSuffix(d.File, ".zip"))
		tmp := folder + ".zip"
		if err := e.downloadTo(ctx, src, tmp); err != nil {
			return err
		}
		if err := extractZip(tmp, folder); err != nil {
			os.Remove(tmp)
			return err
		}
		os.Remove(tmp)
		return appendHistory(installDir, relPath(installDir, folder))
	default:
		dest := modulePath(installDir, d.File)
		if d.Reason == model.ReasonSizeMismatch {
			if err := backup(dest); err != nil {
				return err
			}
			return e.downloadTo(ctx, src, dest)
		}
		if err := e.downloadTo(ctx, src, dest); err != nil {
			return err
		}
		return appendHistory(installDir, relPath(installDir, dest))
	}
}

// RestoreBackups rolls the install back to its pre-sync state: restores every
// .bak, removes everything the marker says a sync created, then removes the
// marker. Safe to call when no sync ever ran.
func RestoreBackups(installDir string) error {
	installDir = InstallDir(installDir)
	restoreBak(filepath.Join(installDir, ConfigFileName))
	modDir := filepath.Join(installDir, contentDir, modulesDir)
	if entries, err := os.ReadDir(modDir); err == nil {
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), BackupSuffix) {
				restoreBak(strings.TrimSuffix(filepath.Join(modDir, entry.Name()), BackupSuffix))
			}
		}
	}
	hist, err := loadHistory(installDir)
	if err != nil {
		return err
	}
	if hist == nil {
		return nil
	}
	for _, rel := range hist.AddedFiles {
		p, ok := safeJoin(installDir, rel)
		if !ok {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.Printf("rollback remove failed path=%s: %v", p, err)
		}
	}
	return os.Remove(filepath.Join(installDir, SyncHistoryFile))
}

// PublishContent uploads the host's config plus every archive the public
// extension index does not already serve.
func (e *Engine) PublishContent(ctx context.Context, sessionID, installDir string) error {
	installDir = InstallDir(installDir)
	cfg, err := LoadConfig(installDir)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("no %s in %s", ConfigFileName, installDir)
	}
	if err := e.UploadFile(ctx, sessionID, filepath.Join(installDir, ConfigFileName), ConfigFileName); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}
	for _, entry := range cfg.LoadOrder() {
		archive := ArchiveName(entry.Extension, entry.Version)
		if _, served := e.checkIndex(ctx, archive, entry.Version); served {
			log.Printf("content publish skipped file=%s reason=index", archive)
			continue
		}
		if cfg.Kind(entry.Extension) == model.KindPlugin {
			folder := pluginPath(installDir, entry.Extension+"-"+entry.Version)
			tmp, err := zipDir(folder)
			if err != nil {
				return fmt.Errorf("pack plugin %s: %w", archive, err)
			}
			err = e.UploadFile(ctx, sessionID, tmp, archive)
			os.Remove(tmp)
			if err != nil {
				return fmt.Errorf("upload %s: %w", archive, err)
			}
			continue
		}
		local := modulePath(installDir, archive)
		if err := e.UploadFile(ctx, sessionID, local, archive); err != nil {
			return fmt.Errorf("upload %s: %w", archive, err)
		}
		// Signature files ride along when present.
		if _, err := os.Stat(local + ".sig"); err == nil {
			if err := e.UploadFile(ctx, sessionID, local+".sig", archive+".sig"); err != nil {
				log.Printf("signature upload failed file=%s: %v", archive, err)
			}
		}
	}
	return nil
}

// UploadFile sends a local file to the session store, switching to chunked
// transfer past ChunkSize.
func (e *Engine) UploadFile(ctx context.Context, sessionID, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= ChunkSize {
		return e.uploadWhole(ctx, sessionID, remoteName, f)
	}
	total := int((info.Size() + ChunkSize - 1) / ChunkSize)
	for i := 0; i < total; i++ {
		if err := e.uploadChunk(ctx, sessionID, remoteName, i, total, io.LimitReader(f, ChunkSize)); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i, total, err)
		}
	}
	return nil
}

func (e *Engine) uploadWhole(ctx context.Context, sessionID, name string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return e.postMultipart(ctx, "/session/"+url.PathEscape(sessionID)+"/upload", mw.FormDataContentType(), &buf)
}

func (e *Engine) uploadChunk(ctx context.Context, sessionID, name string, index, total int, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("filename", name)
	_ = mw.WriteField("chunkIndex", strconv.Itoa(index))
	_ = mw.WriteField("totalChunks", strconv.Itoa(total))
	part, err := mw.CreateFormFile("chunk", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return e.postMultipart(ctx, "/session/"+url.PathEscape(sessionID)+"/upload_chunk", mw.FormDataContentType(), &buf)
}

func (e *Engine) postMultipart(ctx context.Context, route, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+route, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload: status %s", resp.Status)
	}
	return nil
}

func (e *Engine) fetchManifest(ctx context.Context, sessionID string) (map[string]int64, error) {
	var m model.Manifest
	if err := e.getJSON(ctx, "/session/"+url.PathEscape(sessionID)+"/manifest", &m); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(m.Files))
	for _, f := range m.Files {
		out[f.Name] = f.Size
	}
	return out, nil
}

// fetchConfig returns nil when the host has not published a config yet.
func (e *Engine) fetchConfig(ctx context.Context, sessionID string) (*ModConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.BaseURL+"/session/"+url.PathEscape(sessionID)+"/file/"+ConfigFileName, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch config: status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func (e *Engine) checkIndex(ctx context.Context, filename, version string) (model.ExtensionCacheEntry, bool) {
	var entry model.ExtensionCacheEntry
	route := "/extensionIndex/check/" + url.PathEscape(filename)
	if version != "" {
		route += "?version=" + url.QueryEscape(version)
	}
	if err := e.getJSON(ctx, route, &entry); err != nil {
		return model.ExtensionCacheEntry{}, false
	}
	return entry, entry.DownloadURL != ""
}

func (e *Engine) getJSON(ctx context.Context, route string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+route, nil)
	if err != nil {
		return err
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %s", route, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// downloadTo streams a URL to dest via a temp file so a failed transfer never
// leaves a truncated file behind.
func (e *Engine) downloadTo(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %s", src, resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// coversLoadOrder reports whether the local config declares every
// {extension, version} pair in the host's load order. Extra local entries do
// not count against it.
func coversLoadOrder(local, host *ModConfig) bool {
	for _, want := range host.LoadOrder() {
		found := false
		for _, have := range local.LoadOrder() {
			if have.Extension == want.Extension && CompareVersions(have.Version, want.Version) == 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func backup(p string) error {
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(p, p+BackupSuffix)
}

func restoreBak(p string) {
	bak := p + BackupSuffix
	if _, err := os.Stat(bak); err != nil {
		return
	}
	os.Remove(p)
	if err := os.Rename(bak, p); err != nil {
		log.Printf("backup restore failed path=%s: %v", p, err)
	}
}

func loadHistory(installDir string) (*model.SyncHistory, error) {
	data, err := os.ReadFile(filepath.Join(installDir, SyncHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var h model.SyncHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse sync history: %w", err)
	}
	return &h, nil
}

func appendHistory(installDir, rel string) error {
	h, err := loadHistory(installDir)
	if err != nil {
		return err
	}
	if h == nil {
		h = &model.SyncHistory{}
	}
	rel = filepath.ToSlash(rel)
	for _, existing := range h.AddedFiles {
		if existing == rel {
			return nil
		}
	}
	h.AddedFiles = append(h.AddedFiles, rel)
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(installDir, SyncHistoryFile), data, 0o644)
}

func relPath(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// safeJoin rejects history entries that would escape the install directory.
func safeJoin(base, rel string) (string, bool) {
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", false
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return filepath.Join(base, filepath.FromSlash(clean)), true
}
