package packaging

import (
	"archive/tar"
	"compress/gzip"
	"distribution/internal/distribution"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
)

// Archive layout.
const (
	ManifestName  = ".distribution-manifest.json"
	ContentPrefix = "content"
	FormatVersion = 1
)

// Manifest is the first entry of every package archive.
type Manifest struct {
	Version   int                      `json:"version"`
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Action    distribution.RequestType `json:"action"`
	Paths     []string                 `json:"paths"`
	Deep      []string                 `json:"deep,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
	Entries   []Entry                  `json:"entries,omitempty"`
}

// Entry describes one content node carried by the package.
type Entry struct {
	Path   string      `json:"path"`
	Dir    bool        `json:"dir,omitempty"`
	Size   int64       `json:"size,omitempty"`
	SHA256 string      `json:"sha256,omitempty"`
	Mode   fs.FileMode `json:"mode"`
}

// Info converts the manifest to package metadata.
func (m *Manifest) Info() distribution.PackageInfo {
	return distribution.PackageInfo{
		distribution.InfoType:        m.Type,
		distribution.InfoRequestType: string(m.Action),
		distribution.InfoPaths:       m.Paths,
		distribution.InfoDeepPaths:   m.Deep,
		distribution.InfoCreatedAt:   m.CreatedAt.Format(time.RFC3339Nano),
		distribution.InfoContentType: "application/gzip",
	}
}

// Request rebuilds the request the package was created for.
func (m *Manifest) Request() *distribution.Request {
	req := distribution.NewRequest(m.Action, m.Paths...)
	if len(m.Deep) > 0 {
		req.Deep = make(map[string]bool, len(m.Deep))
		for _, p := range m.Deep {
			req.Deep[p] = true
		}
	}
	return req
}

func (m *Manifest) validate() error {
	if m.Version != FormatVersion {
		return fmt.Errorf("unsupported package version %d", m.Version)
	}
	if m.ID == "" {
		return errors.New("package id is missing")
	}
	if _, err := distribution.ParseRequestType(string(m.Action)); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := distribution.ValidatePath(e.Path); err != nil {
			return err
		}
	}
	return nil
}

func entryName(p string) string {
	return ContentPrefix + p
}

func contentPath(name string) (string, bool) {
	p, ok := strings.CutPrefix(name, ContentPrefix+"/")
	if !ok {
		return "", false
	}
	return "/" + strings.TrimSuffix(p, "/"), true
}

// readManifest reads the leading manifest of a package archive and returns
// the tar reader positioned after it.
func readManifest(r io.Reader) (*Manifest, *tar.Reader, io.Closer, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open gzip stream: %w", err)
	}
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		gz.Close()
		return nil, nil, nil, fmt.Errorf("read manifest header: %w", err)
	}
	if hdr.Name != ManifestName {
		gz.Close()
		return nil, nil, nil, fmt.Errorf("first entry is %q, want %s", hdr.Name, ManifestName)
	}
	var m Manifest
	if err := json.NewDecoder(tr).Decode(&m); err != nil {
		gz.Close()
		return nil, nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		gz.Close()
		return nil, nil, nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, tr, gz, nil
}
