package jsontree

// Well-known node names inside fingerprint input trees.
const (
	NodePaths          = "Paths"
	NodeObservedInputs = "ObservedInputs"
	NodePathSet        = "PathSet"
	NodeMembers        = "Members"
	NodeFlags          = "Flags"
	NodeEnumerateRegex = "EnumeratePatternRegex"
	NodeType           = "Type"
	NodeHash           = "Hash"
	NodePathSetHash    = "PathSetHash"
)

// Observed input kinds. Only DirectoryEnumeration carries a members subtree.
const (
	AbsentPathProbe        = "AbsentPathProbe"
	ExistingFileProbe      = "ExistingFileProbe"
	ExistingDirectoryProbe = "ExistingDirectoryProbe"
	FileContentRead        = "FileContentRead"
	DirectoryEnumeration   = "DirectoryEnumeration"
)

// MissingMembersMarker is the sole value of a Members node whose directory
// membership could not be resolved. A marker, not a guess.
const MissingMembersMarker = "[DirectoryMembershipUnavailable]"

// DirMembersFunc resolves a directory-membership fingerprint to the member
// name list. The second result is false when the membership is unknown.
type DirMembersFunc func(hashHex string) ([]string, bool)

// MergeStrongFingerprintAndPathSetTrees merges the path-set entries into the
// strong-fingerprint tree: each path becomes a parent node carrying its
// flags, enumerate-pattern regex, and observed-input type/hash, with
// directory-enumeration observations expanded into a Members subtree.
//
// Paths and observed inputs pair positionally. When the path set has more
// entries than the observed inputs (a truncated tree), the remaining path
// branches are re-parented under the PathSet node untouched so a downstream
// diff still compares them.
func MergeStrongFingerprintAndPathSetTrees(strongFp, pathSet *Node, dirMembers DirMembersFunc) *Node {
	merged := &Node{Name: strongFp.Name}
	merged.Values = append(merged.Values, strongFp.Values...)

	for _, child := range strongFp.Children {
		if child.Name == NodeObservedInputs {
			continue
		}

		merged.Children = append(merged.Children, child.Clone())
	}

	pathSetNode := &Node{Name: NodePathSet}

	var paths, observed []*Node

	if pathsNode := pathSet.Child(NodePaths); pathsNode != nil {
		paths = pathsNode.Children
	}

	if observedNode := strongFp.Child(NodeObservedInputs); observedNode != nil {
		observed = observedNode.Children
	}

	for i, path := range paths {
		entry := pathEntryNode(path)

		if i < len(observed) {
			attachObservation(entry, observed[i], dirMembers)
		}

		pathSetNode.Children = append(pathSetNode.Children, entry)
	}

	// Observations beyond the path list keep their own branches.
	for i := len(paths); i < len(observed); i++ {
		pathSetNode.Children = append(pathSetNode.Children, observed[i].Clone())
	}

	merged.Children = append(merged.Children, pathSetNode)

	return merged
}

// pathEntryNode copies a path-set entry, dropping the redundant Path child
// (the node name already carries the path).
func pathEntryNode(path *Node) *Node {
	entry := &Node{Name: path.Name}
	entry.Values = append(entry.Values, path.Values...)

	for _, c := range path.Children {
		if c.Name == pathProperty {
			continue
		}

		entry.Children = append(entry.Children, c.Clone())
	}

	return entry
}

// attachObservation adds the observed-input type and hash to a path entry,
// expanding directory enumerations into a Members subtree.
func attachObservation(entry *Node, observation *Node, dirMembers DirMembersFunc) {
	var kind, hash string

	for _, c := range observation.Children {
		if c.Name == pathProperty {
			continue
		}

		entry.Children = append(entry.Children, c.Clone())

		if len(c.Values) == 1 {
			switch c.Name {
			case NodeType:
				kind = c.Values[0]
			case NodeHash:
				hash = c.Values[0]
			}
		}
	}

	if kind != DirectoryEnumeration {
		return
	}

	members := &Node{Name: NodeMembers}

	if names, ok := resolveMembers(dirMembers, hash); ok {
		members.Values = names
	} else {
		members.Values = []string{MissingMembersMarker}
	}

	entry.Children = append(entry.Children, members)
}

func resolveMembers(dirMembers DirMembersFunc, hash string) ([]string, bool) {
	if dirMembers == nil || hash == "" {
		return nil, false
	}

	return dirMembers(hash)
}

// DiffWeakFingerprints diffs two weak-fingerprint input trees.
func DiffWeakFingerprints(oldRoot, newRoot *Node) map[string]any {
	return DiffTrees(oldRoot, newRoot)
}

// DiffPathSets diffs two path sets after merging each with its session's
// strong-fingerprint observations, so directory-membership changes surface as
// Members-level differences. The hash pair is reported alongside.
func DiffPathSets(
	oldHash string, oldPathSet, oldStrong *Node,
	newHash string, newPathSet, newStrong *Node,
	oldDirMembers, newDirMembers DirMembersFunc,
) map[string]any {
	diff := DiffTrees(
		MergeStrongFingerprintAndPathSetTrees(oldStrong, oldPathSet, oldDirMembers),
		MergeStrongFingerprintAndPathSetTrees(newStrong, newPathSet, newDirMembers),
	)

	if oldHash != newHash {
		diff[NodePathSetHash] = map[string]any{"Old": oldHash, "New": newHash}
	}

	return diff
}

// DiffStrongFingerprints diffs two strong-fingerprint input trees with their
// path sets merged in, which localizes a mismatch to the path whose observed
// input changed.
func DiffStrongFingerprints(
	oldPathSet, oldStrong *Node,
	newPathSet, newStrong *Node,
	oldDirMembers, newDirMembers DirMembersFunc,
) map[string]any {
	return DiffTrees(
		MergeStrongFingerprintAndPathSetTrees(oldStrong, oldPathSet, oldDirMembers),
		MergeStrongFingerprintAndPathSetTrees(newStrong, newPathSet, newDirMembers),
	)
}
