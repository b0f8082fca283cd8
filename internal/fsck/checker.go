package fsck

import (
	"fmt"
	"io"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var (
	checkerLogger = log.NewLogger("fsck.checker")
)

// Checker drives the top-level BFS over directories, the per-file invariant
// checks, and the error/repair policy. One Checker checks one volume.
type Checker struct {
	Ctx    *iexfat.Context
	Policy *RepairPolicy
	Stats  Stats

	resolver PathResolver
}

// NewChecker binds a mounted context to a repair policy.
func NewChecker(ctx *iexfat.Context, policy *RepairPolicy) *Checker {
	return &Checker{
		Ctx:    ctx,
		Policy: policy,
	}
}

// pathOf resolves node to a printable path for error messages, degrading to
// "?" rather than failing the check over an unprintable name.
func (ck *Checker) pathOf(node *iexfat.Inode) string {
	p, err := ck.resolver.Resolve(node)
	if err != nil {
		return "?"
	}

	return "/" + p
}

// askFile is the repair_file_ask analog: one repair decision for one file,
// folded into the running statistics.
func (ck *Checker) askFile(node *iexfat.Inode, code RepairCode, format string, args ...interface{}) bool {
	message := fmt.Sprintf("ERROR: %s: %s", ck.pathOf(node), fmt.Sprintf(format, args...))

	accepted := ck.Policy.Ask(code, message)
	ck.Stats.NoteRepair(accepted)

	if !accepted {
		ck.Stats.Record(log.Errorf("%s", message))
	}

	return accepted
}

// RootDirCheck validates the root directory before general traversal: walks
// root's chain through the FAT (the root of a clean volume never uses the
// contiguous fast path), synthesizes root's size from the cluster count, and
// locates and validates the Bitmap and Upcase entries from it.
func (ck *Checker) RootDirCheck() error {
	root := &iexfat.Inode{
		Attr:         iexfat.AttrSubdir,
		FirstCluster: ck.Ctx.RootCluster,
	}

	count, err := ck.rootClusterCount(root)
	if err != nil {
		return err
	}

	root.Size = uint64(count) * uint64(ck.Ctx.ClusterSize)
	ck.Ctx.Root = root
	ck.Stats.DirCount++

	if err := ck.readBitmap(); err != nil {
		return err
	}

	if err := ck.readUpcaseTable(); err != nil {
		return err
	}

	return nil
}

// rootClusterCount walks the root chain counting clusters. Every visited
// cluster must be a heap cluster not already in the allocation bitmap (a
// repeat means a loop in the chain); each visited cluster's bit is set.
func (ck *Checker) rootClusterCount(root *iexfat.Inode) (uint32, error) {
	ctx := ck.Ctx

	count := uint32(0)
	c := root.FirstCluster

	for {
		if !ctx.IsValidCluster(c) {
			return 0, iexfat.Wrap(iexfat.ErrInvalidChain, log.Errorf("/: bad cluster (0x%x)", c))
		}

		if ctx.AllocBitmap.Get(c) {
			return 0, iexfat.Wrap(iexfat.ErrInvalidChain, log.Errorf("/: cluster is already allocated, or there is a loop in cluster chain"))
		}

		ctx.AllocBitmap.Set(c)
		count++

		next, err := ctx.NextInodeCluster(root, c)
		if err != nil {
			return 0, iexfat.Wrap(iexfat.ErrInvalidChain, err)
		}

		if next == iexfat.EndOfChain {
			return count, nil
		}

		c = next
	}
}

// readBitmap locates the allocation-bitmap dentry in the root directory,
// validates it, marks the bitmap file's own clusters allocated, and reads
// the on-disk bitmap into the context's snapshot.
func (ck *Checker) readBitmap() error {
	ctx := ck.Ctx

	filter := &iexfat.LookupFilter{Type: iexfat.TypeBitmap}

	if err := iexfat.LookupDentrySet(ctx, ctx.Root, filter); err != nil {
		if err == io.EOF {
			return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("no allocation bitmap entry in root"))
		}

		return err
	}

	var bde iexfat.BitmapDentry
	if err := restruct.Unpack(filter.DentrySet[:iexfat.DentrySize], defaultByteOrder, &bde); err != nil {
		return iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	neededSize := (uint64(ctx.ClusterCount) + 7) / 8

	if bde.DataLength < neededSize {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("invalid size of allocation bitmap (0x%x)", bde.DataLength))
	}

	if !ctx.IsValidCluster(bde.FirstCluster) {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("invalid start cluster of allocation bitmap (0x%x)", bde.FirstCluster))
	}

	ctx.DiskBitmapFirstCluster = bde.FirstCluster
	ctx.DiskBitmapSize = neededSize

	bitmapClusters := uint32((neededSize + uint64(ctx.ClusterSize) - 1) / uint64(ctx.ClusterSize))
	ctx.AllocBitmap.SetRange(bde.FirstCluster, bitmapClusters)

	raw := make([]byte, neededSize)

	n, err := ctx.Dev.ReadAt(raw, ctx.ClusterOffset(bde.FirstCluster))
	if err != nil && err != io.EOF {
		return iexfat.Wrap(iexfat.ErrIO, err)
	}

	if uint64(n) != neededSize {
		return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short bitmap read"))
	}

	ctx.DiskBitmap = iexfat.NewAllocBitmapFromBytes(raw, ctx.ClusterCount)

	return nil
}

// readUpcaseTable locates the upcase-table dentry in the root directory,
// validates its checksum, marks the table's clusters allocated, and stores
// the decompressed table in the context.
func (ck *Checker) readUpcaseTable() error {
	ctx := ck.Ctx

	filter := &iexfat.LookupFilter{Type: iexfat.TypeUpcase}

	if err := iexfat.LookupDentrySet(ctx, ctx.Root, filter); err != nil {
		if err == io.EOF {
			return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("no upcase table entry in root"))
		}

		return err
	}

	var ude iexfat.UpcaseDentry
	if err := restruct.Unpack(filter.DentrySet[:iexfat.DentrySize], defaultByteOrder, &ude); err != nil {
		return iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	if !ctx.IsValidCluster(ude.FirstCluster) {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("invalid start cluster of upcase table (0x%x)", ude.FirstCluster))
	}

	size := ude.DataLength
	if size == 0 || size%2 != 0 || size > iexfat.UpcaseTableEntries*2 {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("invalid size of upcase table (0x%x)", size))
	}

	raw := make([]byte, size)

	n, err := ctx.Dev.ReadAt(raw, ctx.ClusterOffset(ude.FirstCluster))
	if err != nil && err != io.EOF {
		return iexfat.Wrap(iexfat.ErrIO, err)
	}

	if uint64(n) != size {
		return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short upcase-table read"))
	}

	if computed := iexfat.UpcaseChecksum(raw); computed != ude.TableChecksum {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("corrupted upcase table (%#x, expected %#x)", computed, ude.TableChecksum))
	}

	upcaseClusters := uint32((size + uint64(ctx.ClusterSize) - 1) / uint64(ctx.ClusterSize))
	ctx.AllocBitmap.SetRange(ude.FirstCluster, upcaseClusters)

	ctx.UpcaseFirstCluster = ude.FirstCluster
	ctx.UpcaseSize = size
	ctx.Upcase = iexfat.DecompressUpcase(raw)

	return nil
}

// FilesystemCheck runs the BFS over the pending-directory list, then the
// reclamation pass if any accepted repair touched the FAT.
func (ck *Checker) FilesystemCheck() error {
	ctx := ck.Ctx

	if ctx.Root == nil {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("root is nil"))
	}

	ctx.DirList = append(ctx.DirList, ctx.Root)

	var firstErr error

	for len(ctx.DirList) > 0 {
		dir := ctx.DirList[0]
		ctx.DirList = ctx.DirList[1:]

		if !dir.IsDir() {
			return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("%s: pending node is not a directory", ck.pathOf(dir)))
		}

		if err := ck.readChildren(dir); err != nil {
			checkerLogger.Debugf(nil, "failed to check dentries: %s", ck.pathOf(dir))

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	ctx.Root = nil

	if ck.Policy.DirtyFat {
		if err := ck.Reclaim(); err != nil {
			return err
		}
	}

	return firstErr
}

// readChildren is the per-directory state machine: reads primary/secondary
// entry sets in file-offset order, validates each file set, and queues
// subdirectories for traversal.
func (ck *Checker) readChildren(dir *iexfat.Inode) error {
	ctx := ck.Ctx

	it, err := iexfat.NewDirEntryIter(ctx, dir)
	if err != nil {
		return err
	}

	for {
		raw, err := it.Get(0)
		if err == io.EOF {
			break
		}

		if err != nil {
			ck.Stats.Record(log.Errorf("%s: failed to get a dentry: %s", ck.pathOf(dir), err))
			dir.Children = nil

			if ferr := it.Flush(); ferr != nil {
				return ferr
			}

			return err
		}

		dentryCount := 1
		entryType := raw[0]

		switch {
		case entryType == iexfat.TypeFile:
			node, count, err := ck.readFile(it, dir)

			if err != nil {
				ck.Stats.ErrorCount++
			} else {
				if node.Fixed {
					ck.Stats.ErrorCount++
					ck.Stats.FixedCount++
				}

				if node.Inode.IsDir() && node.Inode.Size > 0 {
					node.Inode.Parent = dir
					dir.Children = append(dir.Children, node.Inode)
					ctx.DirList = append(ctx.DirList, node.Inode)
				}
			}

			if count > 0 {
				dentryCount = count
			}
		case entryType == iexfat.TypeVolumeLabel:
			if err := ck.readVolumeLabel(it); err != nil {
				dir.Children = nil

				if ferr := it.Flush(); ferr != nil {
					return ferr
				}

				return err
			}
		case entryType == iexfat.TypeBitmap || entryType == iexfat.TypeUpcase:
			// Already consumed during the root scan.
		case entryType == iexfat.TypeLast:
			return it.Flush()
		default:
			if !iexfat.IsDeletedVariant(entryType) {
				ck.Stats.Record(log.Errorf("%s: unknown entry type (0x%02x)", ck.pathOf(dir), entryType))
			}
		}

		if err := it.Advance(dentryCount); err != nil {
			if err == io.EOF {
				break
			}

			return err
		}
	}

	return it.Flush()
}

// checkedFile pairs the inode produced by a file-set read with whether any
// of its inconsistencies were repaired.
type checkedFile struct {
	Inode *iexfat.Inode
	Fixed bool
}

// readFile reads one file dentry set and runs the per-file invariant checks
// against it. The returned count is how many dentries to advance past, even
// on error.
func (ck *Checker) readFile(it *iexfat.DirEntryIter, dir *iexfat.Inode) (*checkedFile, int, error) {
	node, count, err := ck.readFileDentries(it, dir)
	if err != nil {
		return nil, count, err
	}

	fixed, err := ck.checkInode(it, node)
	if err != nil {
		return nil, count, err
	}

	if node.IsDir() {
		ck.Stats.DirCount++
	} else {
		ck.Stats.FileCount++
	}

	return &checkedFile{Inode: node, Fixed: fixed}, count, nil
}

// readFileDentries parses a file + stream + name dentry run into an Inode,
// repairing a valid_size that exceeds size along the way.
func (ck *Checker) readFileDentries(it *iexfat.DirEntryIter, dir *iexfat.Inode) (*iexfat.Inode, int, error) {
	fileRaw, err := it.Get(0)
	if err != nil {
		return nil, 0, err
	}

	var fde iexfat.FileDentry
	if err := restruct.Unpack(fileRaw, defaultByteOrder, &fde); err != nil {
		return nil, 0, iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	numExt := int(fde.SecondaryCount)
	if numExt < 2 {
		return nil, 1, iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("too few secondary count (%d)", numExt))
	}

	streamRaw, err := it.Get(1)
	if err != nil {
		return nil, 0, err
	}

	if streamRaw[0] != iexfat.TypeStream {
		return nil, 1, iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("stream dentry is missing"))
	}

	var sde iexfat.StreamDentry
	if err := restruct.Unpack(streamRaw, defaultByteOrder, &sde); err != nil {
		return nil, 0, iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	node := &iexfat.Inode{
		Parent:       dir,
		Attr:         fde.Attributes,
		FirstCluster: sde.FirstCluster,
		Size:         sde.DataLength,
		IsContiguous: sde.IsContiguous(),
		DentryOffset: it.DeviceOffset(),
		DentryCount:  numExt + 1,
	}

	var units []uint16

	for i := 2; i <= numExt; i++ {
		nameRaw, err := it.Get(i)
		if err != nil {
			return nil, 0, err
		}

		if nameRaw[0] != iexfat.TypeName {
			return nil, numExt + 1, iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("name dentry is missing"))
		}

		for j := 0; j < iexfat.NameDentryCodeUnits; j++ {
			units = append(units, uint16(nameRaw[2+j*2])|uint16(nameRaw[2+j*2+1])<<8)
		}
	}

	nameLen := int(sde.NameLength)
	if nameLen > len(units) {
		nameLen = len(units)
	}

	node.Name = units[:nameLen]

	if node.Size < sde.ValidDataLength {
		if ck.askFile(node, RepairValidSizeTooLarge,
			"valid size %d greater than size %d", sde.ValidDataLength, node.Size) {

			dirtyStream, err := it.GetDirty(1)
			if err != nil {
				return nil, 0, err
			}

			copy(dirtyStream[8:16], dirtyStream[24:32])
		} else {
			return nil, numExt + 1, iexfat.Wrap(iexfat.ErrCorrupt, nil)
		}
	}

	return node, numExt + 1, nil
}

// checkInode runs the cluster-chain and metadata invariants for one file
// set. It reports whether anything was repaired; a non-nil error means the
// file stays broken.
func (ck *Checker) checkInode(it *iexfat.DirEntryIter, node *iexfat.Inode) (bool, error) {
	ctx := ck.Ctx

	fixed, err := ck.checkClusterChain(it, node)
	if err != nil {
		return fixed, err
	}

	valid := true

	if node.Size > uint64(ctx.ClusterCount)*uint64(ctx.ClusterSize) {
		ck.Stats.ErrorsLeft = true
		ck.Stats.Record(log.Errorf("ERROR: %s: size %d is greater than cluster heap", ck.pathOf(node), node.Size))

		valid = false
	}

	if node.Size == 0 && node.IsContiguous {
		if ck.askFile(node, RepairZeroSizeNoFatChain, "empty, but has no FAT chain") {
			dirtyStream, err := it.GetDirty(1)
			if err != nil {
				return fixed, err
			}

			dirtyStream[1] &^= iexfat.StreamFlagNoFatChain
			node.IsContiguous = false
			fixed = true
		} else {
			valid = false
		}
	}

	if node.IsDir() && node.Size%uint64(ctx.ClusterSize) != 0 {
		ck.Stats.ErrorsLeft = true
		ck.Stats.Record(log.Errorf("ERROR: %s: directory size %d is not divisible by %d", ck.pathOf(node), node.Size, ctx.ClusterSize))

		valid = false
	}

	computed, err := ck.fileChecksum(it)
	if err != nil {
		return fixed, err
	}

	fileRaw, err := it.Get(0)
	if err != nil {
		return fixed, err
	}

	stored := uint16(fileRaw[2]) | uint16(fileRaw[3])<<8
	if stored != computed {
		if ck.askFile(node, RepairChecksumMismatch, "the checksum of a file is wrong") {
			dirtyFile, err := it.GetDirty(0)
			if err != nil {
				return fixed, err
			}

			dirtyFile[2] = byte(computed)
			dirtyFile[3] = byte(computed >> 8)
			fixed = true
		} else {
			valid = false
		}
	}

	if !valid {
		return fixed, iexfat.Wrap(iexfat.ErrCorrupt, nil)
	}

	return fixed, nil
}

// fileChecksum recomputes the set checksum over the file set the iterator is
// positioned on.
func (ck *Checker) fileChecksum(it *iexfat.DirEntryIter) (uint16, error) {
	fileRaw, err := it.Get(0)
	if err != nil {
		return 0, err
	}

	numExt := int(fileRaw[1])

	raw := make([]byte, (numExt+1)*iexfat.DentrySize)

	for i := 0; i <= numExt; i++ {
		entry, err := it.Get(i)
		if err != nil {
			return 0, err
		}

		copy(raw[i*iexfat.DentrySize:], entry)
	}

	return iexfat.SetChecksum(raw), nil
}

// checkClusterChain validates one file's cluster chain against the two
// bitmaps and the FAT, marking visited clusters in the in-memory allocation
// bitmap. On an accepted repair it truncates the file in place.
func (ck *Checker) checkClusterChain(it *iexfat.DirEntryIter, node *iexfat.Inode) (bool, error) {
	ctx := ck.Ctx

	clus := node.FirstCluster
	prev := iexfat.EndOfChain
	count := uint64(0)
	maxCount := (node.Size + uint64(ctx.ClusterSize) - 1) / uint64(ctx.ClusterSize)

	if node.Size == 0 && node.FirstCluster == iexfat.FreeCluster {
		return false, nil
	}

	truncate := func() (bool, error) {
		return true, ck.truncateFile(it, node, prev, count)
	}

	if (node.Size == 0 && node.FirstCluster != iexfat.FreeCluster) ||
		(node.Size > 0 && !ctx.IsValidCluster(node.FirstCluster)) {
		if ck.askFile(node, RepairFileFirstClus, "first cluster is wrong") {
			return truncate()
		}

		return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
	}

	for clus != iexfat.EndOfChain {
		if count >= maxCount {
			if node.IsContiguous {
				break
			}

			if ck.askFile(node, RepairFileSmallerSize,
				"more clusters are allocated. truncate to %d bytes", count*uint64(ctx.ClusterSize)) {
				return truncate()
			}

			return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
		}

		// Already allocated: shared with another file, or a loop in the
		// chain.
		if ctx.AllocBitmap.Get(clus) {
			if ck.askFile(node, RepairDuplicateCluster,
				"cluster is already allocated for the other file. truncated to %d bytes", count*uint64(ctx.ClusterSize)) {
				return truncate()
			}

			return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
		}

		if !ctx.DiskBitmap.Get(clus) {
			if ck.askFile(node, RepairInvalidCluster,
				"cluster is marked as free. truncate to %d bytes", count*uint64(ctx.ClusterSize)) {
				return truncate()
			}

			return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
		}

		next, err := ctx.NextInodeCluster(node, clus)
		if err != nil {
			if ck.askFile(node, RepairInvalidCluster,
				"broken cluster chain. truncate to %d bytes", count*uint64(ctx.ClusterSize)) {
				return truncate()
			}

			return false, iexfat.Wrap(iexfat.ErrInvalidChain, err)
		}

		if !node.IsContiguous {
			if !ctx.IsValidCluster(next) && next != iexfat.EndOfChain {
				if ck.askFile(node, RepairInvalidCluster,
					"broken cluster chain. truncate to %d bytes", count*uint64(ctx.ClusterSize)) {
					return truncate()
				}

				return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
			}
		}

		count++
		ctx.AllocBitmap.Set(clus)
		prev = clus
		clus = next
	}

	if count < maxCount {
		if ck.askFile(node, RepairFileLargerSize,
			"less clusters are allocated. truncate to %d bytes", count*uint64(ctx.ClusterSize)) {
			return truncate()
		}

		return false, iexfat.Wrap(iexfat.ErrInvalidChain, nil)
	}

	return false, nil
}

// truncateFile rewrites the stream dentry in place so the file's size
// matches the clusters actually kept, and terminates the kept chain in the
// FAT. Clusters dropped here stay out of the in-memory bitmap and get freed
// during reclamation.
func (ck *Checker) truncateFile(it *iexfat.DirEntryIter, node *iexfat.Inode, prev uint32, count uint64) error {
	ctx := ck.Ctx

	newSize := count * uint64(ctx.ClusterSize)
	node.Size = newSize

	prevValid := ctx.IsValidCluster(prev)
	if !prevValid {
		node.FirstCluster = iexfat.FreeCluster
	}

	dirtyStream, err := it.GetDirty(1)
	if err != nil {
		return err
	}

	var sde iexfat.StreamDentry
	if err := restruct.Unpack(dirtyStream, defaultByteOrder, &sde); err != nil {
		return iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	if newSize < sde.ValidDataLength {
		sde.ValidDataLength = newSize
	}

	if !prevValid {
		sde.FirstCluster = iexfat.FreeCluster
	}

	sde.DataLength = newSize

	packed, err := restruct.Pack(defaultByteOrder, &sde)
	if err != nil {
		return iexfat.Wrap(iexfat.ErrCorrupt, err)
	}

	copy(dirtyStream, packed)

	if !node.IsContiguous && prevValid {
		return ctx.SetFat(prev, iexfat.EndOfChain)
	}

	return nil
}

// readVolumeLabel decodes the UTF-16 volume label from the label entry the
// iterator is positioned on and stores it in the context.
func (ck *Checker) readVolumeLabel(it *iexfat.DirEntryIter) error {
	raw, err := it.Get(0)
	if err != nil {
		return err
	}

	charCount := int(raw[1])
	if charCount == 0 {
		return nil
	}

	if charCount > iexfat.VolumeLabelMaxLen {
		return iexfat.Wrap(iexfat.ErrCorrupt, log.Errorf("too long volume label (%d)", charCount))
	}

	units := make([]uint16, charCount)
	for i := range units {
		units[i] = uint16(raw[2+i*2]) | uint16(raw[2+i*2+1])<<8
	}

	label, err := iexfat.DecodeUTF16(units)
	if err != nil {
		return err
	}

	ck.Ctx.VolumeLabel = label

	return nil
}
