package fsck

import (
	"strings"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
)

// maxPathDepth bounds the ancestor walk so a corrupt parent cycle cannot
// spin forever.
const maxPathDepth = 255

// PathResolver composes a UTF-8 path for an inode by walking its Parent
// back-references up to the root. It never holds ownership of intermediate
// inodes -- it only reads the Parent/Name fields the traversal already
// populated.
type PathResolver struct{}

// Resolve returns the slash-separated path from the root to node,
// exclusive of a leading slash (e.g. "dir/sub/file.txt").
func (PathResolver) Resolve(node *iexfat.Inode) (string, error) {
	var ancestors []*iexfat.Inode

	cur := node
	depth := 0

	for cur != nil && cur.Parent != nil {
		ancestors = append(ancestors, cur)
		cur = cur.Parent
		depth++

		if depth > maxPathDepth {
			return "", iexfat.Wrap(iexfat.ErrCorrupt, nil)
		}
	}

	parts := make([]string, len(ancestors))

	for i, a := range ancestors {
		name, err := iexfat.DecodeUTF16(a.Name)
		if err != nil {
			return "", err
		}

		parts[len(ancestors)-1-i] = name
	}

	return strings.Join(parts, "/"), nil
}
