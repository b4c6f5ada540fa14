package storage

import (
	"encoding/json"
	"time"

	"github.com/tailscale/hujson"

	"github.com/starford/kolnoter/internal/apperr"
)

// VaultFormatVersion is written to config.json of every vault this code creates.
const VaultFormatVersion = 1

// VaultConfig is the vault metadata in .kol-noter/config.json.
type VaultConfig struct {
	Version      int   `json:"version"`
	Created      int64 `json:"created"`
	LastModified int64 `json:"lastModified"`
}

// IDMap maps entity ids to vault-relative paths: notes to their file,
// systems and projects to their directory.
type IDMap struct {
	Notes    map[string]string `json:"notes"`
	Systems  map[string]string `json:"systems"`
	Projects map[string]string `json:"projects"`
}

func newIDMap() *IDMap {
	return &IDMap{
		Notes:    map[string]string{},
		Systems:  map[string]string{},
		Projects: map[string]string{},
	}
}

// lookupByPath returns the id whose path equals p in m.
func lookupByPath(m map[string]string, p string) (string, bool) {
	for id, v := range m {
		if v == p {
			return id, true
		}
	}
	return "", false
}

// repath rewrites every entry under oldPrefix to newPrefix.
func (m *IDMap) repath(oldPrefix, newPrefix string) {
	for _, table := range []map[string]string{m.Notes, m.Systems, m.Projects} {
		for id, p := range table {
			if p == oldPrefix {
				table[id] = newPrefix
			} else if len(p) > len(oldPrefix) && p[:len(oldPrefix)+1] == oldPrefix+"/" {
				table[id] = newPrefix + p[len(oldPrefix):]
			}
		}
	}
}

// dropPrefix removes every entry at or under prefix.
func (m *IDMap) dropPrefix(prefix string) {
	for _, table := range []map[string]string{m.Notes, m.Systems, m.Projects} {
		for id, p := range table {
			if p == prefix || (len(p) > len(prefix) && p[:len(prefix)+1] == prefix+"/") {
				delete(table, id)
			}
		}
	}
}

// decodeJSONC parses JSON that may contain comments or trailing commas.
func decodeJSONC(path string, data []byte, v any) error {
	std, err := hujson.Standardize(data)
	if err != nil {
		return &apperr.SerializationError{Path: path, Format: "json", Err: err}
	}
	if err := json.Unmarshal(std, v); err != nil {
		return &apperr.SerializationError{Path: path, Format: "json", Err: err}
	}
	return nil
}

func (f *FS) readVaultConfig() (*VaultConfig, error) {
	data, err := f.Read(ConfigFile)
	if err != nil {
		return nil, err
	}
	var cfg VaultConfig
	if err := decodeJSONC(ConfigFile, data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (f *FS) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &apperr.SerializationError{Path: path, Format: "json", Err: err}
	}
	return f.Write(path, append(data, '\n'))
}

func (f *FS) readIDMap() (*IDMap, error) {
	m := newIDMap()
	if !f.Exists(IDMapFile) {
		return m, nil
	}
	data, err := f.Read(IDMapFile)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONC(IDMapFile, data, m); err != nil {
		return nil, err
	}
	if m.Notes == nil {
		m.Notes = map[string]string{}
	}
	if m.Systems == nil {
		m.Systems = map[string]string{}
	}
	if m.Projects == nil {
		m.Projects = map[string]string{}
	}
	return m, nil
}

// InitVault creates the hidden config directory and config.json in root if
// they are missing. It returns the resulting config.
func InitVault(root string) (*VaultConfig, error) {
	f, err := NewFS(root)
	if err != nil {
		return nil, err
	}
	if f.Exists(ConfigFile) {
		return f.readVaultConfig()
	}
	now := time.Now().UnixMilli()
	cfg := &VaultConfig{Version: VaultFormatVersion, Created: now, LastModified: now}
	if err := f.writeJSON(ConfigFile, cfg); err != nil {
		return nil, err
	}
	if err := f.writeJSON(IDMapFile, newIDMap()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsVault reports whether root holds a vault config.
func IsVault(root string) bool {
	f, err := NewFS(root)
	if err != nil {
		return false
	}
	return f.Exists(ConfigFile)
}
