package packaging

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/repository"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// collect walks the requested paths and hashes every file.
func collect(ctx context.Context, repo repository.Repository, req *distribution.Request) ([]Entry, error) {
	if !req.Type.HasPaths() || req.Type == distribution.RequestDelete {
		return nil, nil
	}

	seen := map[string]bool{}
	var entries []Entry
	for _, p := range req.Paths {
		err := repo.Walk(p, req.IsDeep(p), func(e repository.Entry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if seen[e.Path] {
				return nil
			}
			seen[e.Path] = true
			if e.IsDir {
				entries = append(entries, Entry{Path: e.Path, Dir: true, Mode: e.Mode})
				return nil
			}
			sum, size, err := hashFile(repo, e.Path)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Path: e.Path, Size: size, SHA256: sum, Mode: e.Mode})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", p, err)
		}
	}
	return entries, nil
}

func hashFile(repo repository.Repository, p string) (string, int64, error) {
	rc, err := repo.Read(p)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeArchive writes the manifest followed by one entry per content node.
// Files that changed size since they were hashed fail the export.
func writeArchive(ctx context.Context, w io.Writer, repo repository.Repository, m *Manifest) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:     ManifestName,
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeEntry(tw, repo, e, m.CreatedAt); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, repo repository.Repository, e Entry, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    entryName(e.Path),
		Mode:    int64(e.Mode.Perm()),
		ModTime: modTime,
	}
	if e.Dir {
		hdr.Name += "/"
		hdr.Typeflag = tar.TypeDir
		return tw.WriteHeader(hdr)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = e.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", e.Path, err)
	}
	rc, err := repo.Read(e.Path)
	if err != nil {
		return err
	}
	defer rc.Close()
	n, err := io.Copy(tw, io.LimitReader(rc, e.Size+1))
	if err != nil && !errors.Is(err, tar.ErrWriteTooLong) {
		return fmt.Errorf("write %s: %w", e.Path, err)
	}
	if err != nil || n != e.Size {
		return fmt.Errorf("%s changed while exporting", e.Path)
	}
	return nil
}

// verify checks every content entry against the manifest checksums.
func verify(r io.Reader) (*Manifest, error) {
	m, tr, closer, err := readManifest(r)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	want := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		want[e.Path] = e
	}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read entry: %w", err)
		}
		p, ok := contentPath(hdr.Name)
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", hdr.Name)
		}
		e, ok := want[p]
		if !ok {
			return nil, fmt.Errorf("entry %s is not in the manifest", p)
		}
		delete(want, p)
		if e.Dir {
			continue
		}
		h := sha256.New()
		if _, err := io.Copy(h, tr); err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != e.SHA256 {
			return nil, fmt.Errorf("checksum mismatch for %s", p)
		}
	}
	if len(want) > 0 {
		return nil, fmt.Errorf("package is missing %d manifest entries", len(want))
	}
	return m, nil
}

// install writes the archive content into repo. The archive must have been
// verified first.
func install(ctx context.Context, r io.Reader, repo repository.Repository) (*Manifest, error) {
	m, tr, closer, err := readManifest(r)
	if err != nil {
		return nil, apperrors.Import("read package", err)
	}
	defer closer.Close()

	switch m.Action {
	case distribution.RequestDelete:
		for _, p := range m.Paths {
			if err := repo.Delete(p); err != nil {
				return nil, fmt.Errorf("delete %s: %w", p, err)
			}
		}
		return m, nil
	case distribution.RequestAdd:
	default:
		return m, nil
	}

	modes := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		modes[e.Path] = e
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Import("read entry", err)
		}
		p, _ := contentPath(hdr.Name)
		e := modes[p]
		if e.Dir {
			if err := repo.Mkdir(p); err != nil {
				return nil, err
			}
			continue
		}
		if err := repo.Write(p, tr, e.Mode); err != nil {
			return nil, err
		}
	}

	if err := prune(repo, m); err != nil {
		return nil, err
	}
	return m, nil
}

// prune removes nodes under the requested paths that the package does not
// carry, so the target mirrors the source for the exported scope.
func prune(repo repository.Repository, m *Manifest) error {
	keep := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		keep[e.Path] = true
	}
	deep := make(map[string]bool, len(m.Deep))
	for _, p := range m.Deep {
		deep[p] = true
	}

	for _, p := range m.Paths {
		var stale []string
		err := repo.Walk(p, deep[p], func(e repository.Entry) error {
			if e.Path != p && !keep[e.Path] {
				stale = append(stale, e.Path)
			}
			return nil
		})
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("prune %s: %w", p, err)
		}
		for _, s := range stale {
			if err := repo.Delete(s); err != nil {
				return err
			}
		}
	}
	return nil
}
