// Package cachefolder deterministically assigns a collection to one of the
// configured cache roots, so re-running the assignment always lands on the
// same folder as long as the active-folder set hasn't changed.
package cachefolder

import (
	"errors"
	"hash/fnv"
	"sort"

	"github.com/google/uuid"

	"github.com/letuhao/media-management-sub010/internal/domain/collection"
)

var ErrNoActiveFolders = errors.New("cachefolder: no active cache folders configured")

// Select deterministically picks one of folders' active entries for
// collectionID: sort active folders by id, hash the collection id as a
// string, and take that hash modulo the folder count.
func Select(folders []collection.Folder, collectionID uuid.UUID) (collection.Folder, error) {
	active := make([]collection.Folder, 0, len(folders))
	for _, f := range folders {
		if f.Active {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return collection.Folder{}, ErrNoActiveFolders
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	h := fnv.New64a()
	_, _ = h.Write([]byte(collectionID.String()))
	idx := int(h.Sum64() % uint64(len(active)))

	return active[idx], nil
}
