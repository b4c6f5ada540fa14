package storage

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Vault layout names, relative to the vault root.
const (
	ConfigDir       = ".kol-noter"
	AssetsDir       = "assets"
	ConfigFile      = ConfigDir + "/config.json"
	IDMapFile       = ConfigDir + "/id-map.json"
	SearchCacheFile = ConfigDir + "/search-index.json"
	IndexDBFile     = ConfigDir + "/index.db"
	TrashDir        = ConfigDir + "/trash"

	SystemMetaFile  = "system.meta"
	ProjectMetaFile = "project.meta"
	NoteExt         = ".md"

	// InternalPrefix marks markdown files that are not notes.
	InternalPrefix = "_"
)

var unsafeNameRe = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]+`)

// Slugify turns an entity name into a portable file or directory name. It
// keeps case and spaces so the vault stays readable in a file browser.
func Slugify(name string) string {
	s := unsafeNameRe.ReplaceAllString(name, "-")
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " .-")
	if s == "" {
		return "Untitled"
	}
	if strings.HasPrefix(s, InternalPrefix) {
		s = strings.TrimLeft(s, InternalPrefix)
		if s == "" {
			return "Untitled"
		}
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// uniqueName returns base, or base with " 2", " 3"... appended, such that
// taken(candidate) is false. ext is kept after the suffix.
func uniqueName(base, ext string, taken func(string) bool) string {
	candidate := base + ext
	for i := 2; taken(candidate); i++ {
		candidate = base + " " + strconv.Itoa(i) + ext
	}
	return candidate
}

// sidecarPath returns the structured-content file for a non-text note.
func sidecarPath(notePath, editorType string) string {
	return strings.TrimSuffix(notePath, NoteExt) + "." + editorType + ".json"
}

// assetPath returns where an owner's attachment lives.
func assetPath(ownerID, filename string) string {
	return path.Join(AssetsDir, ownerID, filename)
}

// IsIgnoredPath reports whether a vault-relative path is self-generated
// bookkeeping the watcher and loaders must skip.
func IsIgnoredPath(rel string) bool {
	first := rel
	if i := strings.Index(rel, "/"); i >= 0 {
		first = rel[:i]
	}
	return first == ConfigDir || first == AssetsDir
}

// IsNoteFile reports whether a file name is a user note.
func IsNoteFile(name string) bool {
	base := path.Base(name)
	return strings.HasSuffix(base, NoteExt) &&
		!strings.HasPrefix(base, InternalPrefix) &&
		!strings.HasPrefix(base, ".")
}
