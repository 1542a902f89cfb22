package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// Store is a content-addressed blob store. Blobs are keyed by their sha256 in
// hex and laid out under a two-character shard directory, e.g.
// <root>/ab/abcdef.... Writes are idempotent: storing the same content twice
// is a no-op.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put stores the blob and returns its reference. kind and mimeType are
// recorded on the reference only; the store itself holds bytes.
func (s *Store) Put(data []byte, kind, mimeType string) (*types.ArtifactRef, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return s.ref(digest, kind, mimeType, int64(len(data))), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("commit blob: %w", err)
	}

	return s.ref(digest, kind, mimeType, int64(len(data))), nil
}

// PutReader streams a blob into the store.
func (s *Store) PutReader(r io.Reader, kind, mimeType string) (*types.ArtifactRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return s.Put(data, kind, mimeType)
}

// Get returns the blob for a hex sha256 digest.
func (s *Store) Get(digest string) ([]byte, error) {
	if len(digest) != 64 {
		return nil, errdefs.Newf(errdefs.KindValidationFailed, "malformed digest %q", digest)
	}
	data, err := os.ReadFile(s.blobPath(digest))
	if os.IsNotExist(err) {
		return nil, errdefs.Newf(errdefs.KindNotFound, "artifact %s not found", digest)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", digest, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, errdefs.Newf(errdefs.KindIntegrityAlarm, "artifact %s content does not match its digest", digest)
	}
	return data, nil
}

// Has reports whether a blob exists without reading it.
func (s *Store) Has(digest string) bool {
	if len(digest) != 64 {
		return false
	}
	_, err := os.Stat(s.blobPath(digest))
	return err == nil
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

func (s *Store) ref(digest, kind, mimeType string, size int64) *types.ArtifactRef {
	return &types.ArtifactRef{
		SHA256:   digest,
		Kind:     kind,
		URI:      fmt.Sprintf("artifact://%s", digest),
		Size:     size,
		MimeType: mimeType,
	}
}
