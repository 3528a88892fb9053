package model

import "time"

// ModKind classifies a load-order entry. Modules ship as flat archives,
// plugins as folders extracted from an archive.
type ModKind string

const (
	KindConfig ModKind = "config"
	KindModule ModKind = "module"
	KindPlugin ModKind = "plugin"
)

// DiffReason explains why a local file deviates from the host manifest.
type DiffReason string

const (
	ReasonMissing         DiffReason = "missing"
	ReasonSizeMismatch    DiffReason = "size_mismatch"
	ReasonVersionMismatch DiffReason = "version_mismatch"
)

// ModManifestEntry is one entry of the host's declared load order.
type ModManifestEntry struct {
	Extension string  `json:"extension"`
	Version   string  `json:"version"`
	Kind      ModKind `json:"kind"`
}

// FileDiff is one local deviation that must be resolved before joining.
// SourceURL is set when the extension index serves the file instead of the
// session store.
type FileDiff struct {
	File       string     `json:"file"`
	Reason     DiffReason `json:"reason"`
	Kind       ModKind    `json:"kind"`
	ServerSize int64      `json:"serverSize,omitempty"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
}

// SyncHistory is the on-disk marker recording paths a sync pass created, so
// rollback works even after a crash mid-sync.
type SyncHistory struct {
	AddedFiles []string `json:"addedFiles"`
}

// ExtensionCacheEntry maps a versioned content filename to a public download.
type ExtensionCacheEntry struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	DownloadURL string    `json:"downloadUrl"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// ManifestFile is one finalized file in a session's content store.
type ManifestFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Manifest is the GET /session/{id}/manifest body.
type Manifest struct {
	Files []ManifestFile `json:"files"`
}
