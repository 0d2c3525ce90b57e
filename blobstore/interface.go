// Package blobstore implements the Blob Store collaborator: given a
// directory of bundle output, it computes a content hash and durably stores
// the contents under that hash so later readers can fetch it back without
// knowing which bundle produced it.
package blobstore

import "context"

// BlobStore is the storage collaborator the Finalizer uploads to before it
// is allowed to flip a bundle out of RUNNING. Metadata is implementation
// defined (size, content type, storage tier) and is attached to the
// bundle's metadata column as-is.
type BlobStore interface {
	// Upload reads tempDir's contents, stores them durably, and returns
	// the content hash used to address them later plus any
	// implementation-defined metadata.
	Upload(ctx context.Context, tempDir string) (dataHash string, metadata map[string]string, err error)
}
