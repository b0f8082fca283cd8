package exfat

import "github.com/dsoprea/go-logging"

// FindEmptyCluster searches for a cluster that is clear in both the
// in-memory and on-disk bitmaps: `[hint, end)` first, then wrapping once to
// `[FirstHeapCluster, hint)`.
func FindEmptyCluster(ctx *Context) (uint32, error) {
	start := ctx.StartClusterHint
	if start < FirstHeapCluster {
		start = FirstHeapCluster
	}

	last := FirstHeapCluster + ctx.ClusterCount

	free := func(c uint32) bool {
		return !ctx.AllocBitmap.Get(c) && !ctx.DiskBitmap.Get(c)
	}

	for c := start; c < last; c++ {
		if free(c) {
			return c, nil
		}
	}

	for c := uint32(FirstHeapCluster); c < start; c++ {
		if free(c) {
			return c, nil
		}
	}

	return 0, Wrap(ErrNoSpace, nil)
}

// AllocResult carries the updated dentry-set bytes an allocation produced,
// when the inode owns one (non-root).
type AllocResult struct {
	NewCluster uint32
	DentrySet  []byte // nil if inode has no dentry set of its own (root)
}

// AllocCluster finds a free cluster, links it onto the inode's chain (or
// starts a new one) and zero-fills it if asked. When dset is given, it
// returns a copy of that dentry set updated to the new size in
// AllocResult.DentrySet; the updated set is not written to the device.
func AllocCluster(ctx *Context, inode *Inode, upcase []uint16, dset []byte, dcount int, zeroFill bool) (*AllocResult, error) {
	newClu, err := FindEmptyCluster(ctx)
	if err != nil {
		return nil, err
	}

	ctx.StartClusterHint = newClu

	if err := ctx.SetFat(newClu, EndOfChain); err != nil {
		return nil, err
	}

	if zeroFill {
		zero := ctx.zeroClusterBuf()

		n, err := ctx.Dev.WriteAt(zero, ctx.ClusterOffset(newClu))
		if err != nil {
			return nil, Wrap(ErrIO, err)
		}

		if n != len(zero) {
			return nil, Wrap(ErrIO, log.Errorf("short zero-fill write at cluster (%d)", newClu))
		}
	}

	var newDset []byte

	if dset != nil {
		if inode.Size > 0 {
			lastClu, err := lastClusterOf(ctx, inode)
			if err != nil {
				return nil, err
			}

			if err := ctx.SetFat(lastClu, newClu); err != nil {
				return nil, err
			}

			newCount := inode.ClusterCount(ctx.ClusterSize) + 1

			newDset, err = UpdateFileDentrySet(upcase, dset, dcount, nil, 0, newCount, ctx.ClusterSize)
			if err != nil {
				return nil, err
			}
		} else {
			newDset, err = UpdateFileDentrySet(upcase, dset, dcount, nil, newClu, 1, ctx.ClusterSize)
			if err != nil {
				return nil, err
			}

			inode.FirstCluster = newClu
		}
	} else if inode.Size > 0 {
		lastClu, err := lastClusterOf(ctx, inode)
		if err != nil {
			return nil, err
		}

		if err := ctx.SetFat(lastClu, newClu); err != nil {
			return nil, err
		}
	} else {
		inode.FirstCluster = newClu
	}

	ctx.AllocBitmap.Set(newClu)
	inode.Size += uint64(ctx.ClusterSize)

	return &AllocResult{NewCluster: newClu, DentrySet: newDset}, nil
}

// lastClusterOf walks inode's chain to its final cluster (map_cluster
// "inode, EOF" in the original).
func lastClusterOf(ctx *Context, inode *Inode) (uint32, error) {
	if inode.FirstCluster == 0 {
		return 0, Wrap(ErrInvalidChain, nil)
	}

	var last uint32

	_, err := ctx.WalkChain(inode, inode.FirstCluster, func(c uint32) (bool, error) {
		last = c
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	return last, nil
}

// DentryLocation names a spot in a directory's byte stream, as produced by
// a lookup's free-slot hint.
type DentryLocation struct {
	FileOffset int64
	DevOffset  int64
}

// AddDentrySet writes dset at loc inside parent, growing parent by one
// zero-filled cluster and splitting the write at the cluster boundary if it
// would overflow the current cluster. When advanceLoc is true, loc is
// bumped past the written set for a chained caller.
func AddDentrySet(ctx *Context, parent *Inode, upcase []uint16, parentDset []byte, parentDcount int, loc DentryLocation, dset []byte, advanceLoc bool) (DentryLocation, *AllocResult, error) {
	total := len(dset)

	clusterSize := int64(ctx.ClusterSize)
	offsetInCluster := (loc.DevOffset - int64(ctx.ClusterHeapOffset)) % clusterSize
	remaining := clusterSize - offsetInCluster

	if int64(total) <= remaining {
		n, err := ctx.Dev.WriteAt(dset, loc.DevOffset)
		if err != nil {
			return loc, nil, Wrap(ErrIO, err)
		}

		if n != total {
			return loc, nil, Wrap(ErrIO, log.Errorf("short dentry-set write at offset (%d)", loc.DevOffset))
		}

		if advanceLoc {
			loc.FileOffset += int64(total)
			loc.DevOffset += int64(total)
		}

		return loc, nil, nil
	}

	firstPart := dset[:remaining]

	n, err := ctx.Dev.WriteAt(firstPart, loc.DevOffset)
	if err != nil {
		return loc, nil, Wrap(ErrIO, err)
	}

	if int64(n) != remaining {
		return loc, nil, Wrap(ErrIO, log.Errorf("short dentry-set write at offset (%d)", loc.DevOffset))
	}

	result, err := AllocCluster(ctx, parent, upcase, parentDset, parentDcount, true)
	if err != nil {
		return loc, nil, err
	}

	secondPart := dset[remaining:]
	secondOffset := ctx.ClusterOffset(result.NewCluster)

	n, err = ctx.Dev.WriteAt(secondPart, secondOffset)
	if err != nil {
		return loc, nil, Wrap(ErrIO, err)
	}

	if n != len(secondPart) {
		return loc, nil, Wrap(ErrIO, log.Errorf("short dentry-set write at offset (%d)", secondOffset))
	}

	if advanceLoc {
		loc.FileOffset += int64(total)
		loc.DevOffset = secondOffset + int64(len(secondPart))
	}

	return loc, result, nil
}
