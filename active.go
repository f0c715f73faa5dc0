package demoit

import (
	"strings"

	"github.com/livetemplate/demoit/internal/filestore"
	"github.com/livetemplate/demoit/internal/location"
)

// DefaultFileName is the active file of a demo without files.
const DefaultFileName = "untitled.js"

// FirstFile returns the first file in insertion order, or DefaultFileName
// when the store is empty. The default name may not exist yet.
func FirstFile(store *filestore.Store) string {
	files := store.List()
	if len(files) == 0 {
		return DefaultFileName
	}
	return files[0].Name
}

// ResolveActiveFile picks the file named by the location fragment when it
// exists, otherwise FirstFile.
func ResolveActiveFile(loc location.Location, store *filestore.Store) string {
	name := strings.TrimPrefix(loc.Hash(), "#")
	if name != "" && store.Has(name) {
		return name
	}
	return FirstFile(store)
}
