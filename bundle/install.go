package bundle

import (
	"fmt"
	"os"
	"path/filepath"
)

// DependencySource resolves an already-uploaded parent's content hash back
// to a local path the child's output directory can symlink into. Blob
// stores that support this are expected to implement it; ones that don't
// (a pure remote object store, say) simply can't be used by
// InstallDependencies, since relative symlinks require a shared
// filesystem view.
type DependencySource interface {
	PathForHash(dataHash string) (string, error)
}

// InstallDependencies rehydrates b's declared Dependencies inside tempDir
// as relative symlinks, so the directory is self-contained when the blob
// store later moves or copies it: each dependency's ParentPath (relative to
// the parent's uploaded root, or the root itself when empty) is linked at
// ChildPath inside tempDir. Every parent named in b.Dependencies must be
// present in parentDict and already READY with a non-nil DataHash; both are
// guaranteed by the DAG invariants in §3 by the time Finalizer.Finalize
// calls this.
func (b *Bundle) InstallDependencies(src DependencySource, parentDict map[string]*Bundle, tempDir string) error {
	for _, dep := range b.Dependencies {
		parent, ok := parentDict[dep.ParentUUID]
		if !ok {
			return fmt.Errorf("install dependencies: parent %s not resolved", dep.ParentUUID)
		}
		if parent.DataHash == nil {
			return fmt.Errorf("install dependencies: parent %s has no data hash", dep.ParentUUID)
		}

		parentRoot, err := src.PathForHash(*parent.DataHash)
		if err != nil {
			return fmt.Errorf("install dependencies: resolve parent %s: %w", dep.ParentUUID, err)
		}

		srcPath := parentRoot
		if dep.ParentPath != "" {
			srcPath = filepath.Join(parentRoot, dep.ParentPath)
		}

		childPath := filepath.Join(tempDir, dep.ChildPath)
		if err := os.MkdirAll(filepath.Dir(childPath), 0755); err != nil {
			return fmt.Errorf("install dependencies: mkdir for %s: %w", dep.ChildPath, err)
		}

		rel, err := filepath.Rel(filepath.Dir(childPath), srcPath)
		if err != nil {
			return fmt.Errorf("install dependencies: relativize %s: %w", dep.ChildPath, err)
		}
		if err := os.Symlink(rel, childPath); err != nil {
			return fmt.Errorf("install dependencies: symlink %s: %w", dep.ChildPath, err)
		}
	}
	return nil
}
