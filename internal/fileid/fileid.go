// Package fileid derives stable identifiers for indexed sources and their chunks.
package fileid

import (
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// namespace for name-based chunk ids
var namespace = uuid.MustParse("6f3c2a4e-0d6b-5c1e-9a57-2d8e4b1f7c30")

// SourceURL returns the file:// URL recorded for a local file. Same path always yields the same
// URL; callers are expected to pass an absolute path.
func SourceURL(absolutePath string) string {
	return "file://" + filepath.ToSlash(filepath.Clean(absolutePath))
}

// ChunkID returns a deterministic document id for the n-th chunk of a source, so re-indexing a
// source overwrites its chunks instead of duplicating them.
func ChunkID(source string, chunk int) string {
	return uuid.NewSHA1(namespace, []byte(source+"#"+strconv.Itoa(chunk))).String()
}
