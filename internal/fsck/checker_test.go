package fsck

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"strings"
	"testing"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-logging"
)

// runCheck mounts the fixture and runs the full root + BFS check under the
// given mode.
func runCheck(ctx *iexfat.Context, mode RepairMode) (*Checker, error) {
	policy := NewRepairPolicy(mode, strings.NewReader(""), ioutil.Discard)
	ck := NewChecker(ctx, policy)

	if err := ck.RootDirCheck(); err != nil {
		return ck, err
	}

	return ck, ck.FilesystemCheck()
}

func TestChecker_emptyVolume(t *testing.T) {
	f := newFixture()
	ctx := f.finish()

	before := make([]byte, len(f.dev.Data))
	copy(before, f.dev.Data)

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	if !bytes.Equal(f.dev.Data, before) {
		t.Fatalf("a report-only run must not write.")
	}

	if ck.Policy.Dirty || ck.Policy.DirtyFat {
		t.Fatalf("nothing should be dirty on a clean volume.")
	}

	if code := ck.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	// The in-memory bitmap converged to exactly the system clusters.
	if !ctx.AllocBitmap.Equal(ctx.DiskBitmap) {
		t.Fatalf("bitmaps should agree on a clean volume.")
	}

	for c := uint32(2); c <= 4; c++ {
		if !ctx.AllocBitmap.Get(c) {
			t.Fatalf("system cluster (%d) should be allocated.", c)
		}
	}

	if ctx.VolumeLabel != "TESTVOL" {
		t.Fatalf("volume label not correct: [%s]", ctx.VolumeLabel)
	}

	if ck.Stats.DirCount != 1 {
		t.Fatalf("directory count not correct: (%d)", ck.Stats.DirCount)
	}
}

func TestChecker_cleanFileChain(t *testing.T) {
	f := newFixture()

	f.addRootSet(f.fileSet("data.bin", iexfat.AttrArchive, 10, 3*fxClusterSize, false))
	f.setFat(10, 11)
	f.setFat(11, 12)
	f.setFat(12, iexfat.EndOfChain)
	f.markAllocated(10, 11, 12)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	if code := ck.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	expected := []uint32{2, 3, 4, 10, 11, 12}
	for _, c := range expected {
		if !ctx.AllocBitmap.Get(c) {
			t.Fatalf("cluster (%d) should be allocated.", c)
		}
	}

	for _, c := range []uint32{5, 9, 13} {
		if ctx.AllocBitmap.Get(c) {
			t.Fatalf("cluster (%d) should be free.", c)
		}
	}

	if ck.Stats.FileCount != 1 {
		t.Fatalf("file count not correct: (%d)", ck.Stats.FileCount)
	}
}

func TestChecker_contiguousFile(t *testing.T) {
	f := newFixture()

	// NoFatChain: clusters 10..11 with no FAT entries at all.
	f.addRootSet(f.fileSet("nofat.bin", iexfat.AttrArchive, 10, 2*fxClusterSize, true))
	f.markAllocated(10, 11)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	if code := ck.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	if !ctx.AllocBitmap.Get(10) || !ctx.AllocBitmap.Get(11) {
		t.Fatalf("contiguous clusters should be allocated.")
	}
}

func TestChecker_checksumRepair(t *testing.T) {
	f := newFixture()

	set := f.fileSet("data.bin", iexfat.AttrArchive, 10, fxClusterSize, false)

	// Stored checksum off by one.
	stored := binary.LittleEndian.Uint16(set[2:4])
	binary.LittleEndian.PutUint16(set[2:4], stored+1)

	setOffset := f.addRootSet(set)

	f.setFat(10, iexfat.EndOfChain)
	f.markAllocated(10)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeYes)
	log.PanicIf(err)

	if !ck.Policy.Dirty {
		t.Fatalf("an accepted repair should mark the volume dirty.")
	}

	if ck.Policy.DirtyFat {
		t.Fatalf("a checksum repair should not touch the FAT.")
	}

	// The stored checksum was rewritten to the computed value.
	var onDisk [2]byte

	_, err = f.dev.ReadAt(onDisk[:], setOffset+2)
	log.PanicIf(err)

	if binary.LittleEndian.Uint16(onDisk[:]) != stored {
		t.Fatalf("checksum not rewritten: (0x%04x)", binary.LittleEndian.Uint16(onDisk[:]))
	}

	if ck.Stats.FixedCount != 1 {
		t.Fatalf("fixed count not correct: (%d)", ck.Stats.FixedCount)
	}
}

func TestChecker_truncatesOverlongChain(t *testing.T) {
	f := newFixture()

	// size says 2 clusters; the chain has 4.
	f.addRootSet(f.fileSet("data.bin", iexfat.AttrArchive, 10, 2*fxClusterSize, false))

	f.setFat(10, 11)
	f.setFat(11, 12)
	f.setFat(12, 13)
	f.setFat(13, iexfat.EndOfChain)
	f.markAllocated(10, 11, 12, 13)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeYes)
	log.PanicIf(err)

	if !ck.Policy.DirtyFat {
		t.Fatalf("a truncation must schedule the reclaim pass.")
	}

	// The kept chain terminates at cluster 11.
	if next := f.readFat(11); next != iexfat.EndOfChain {
		t.Fatalf("FAT[11] not terminated: (0x%x)", next)
	}

	// Reclamation freed the dropped tail.
	if next := f.readFat(12); next != iexfat.FreeCluster {
		t.Fatalf("FAT[12] not freed: (0x%x)", next)
	}

	if next := f.readFat(13); next != iexfat.FreeCluster {
		t.Fatalf("FAT[13] not freed: (0x%x)", next)
	}

	// Clusters 10..13 live in bitmap byte 1; only 10 and 11 survive.
	if b := f.readDiskBitmapByte(1); b != 0x03 {
		t.Fatalf("bitmap byte not correct: (0x%02x)", b)
	}
}

func TestChecker_duplicateClusterTruncatesToZero(t *testing.T) {
	f := newFixture()

	f.addRootSet(f.fileSet("a.bin", iexfat.AttrArchive, 5, fxClusterSize, false))
	second := f.addRootSet(f.fileSet("b.bin", iexfat.AttrArchive, 5, fxClusterSize, false))

	f.setFat(5, iexfat.EndOfChain)
	f.markAllocated(5)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeYes)
	log.PanicIf(err)

	if !ck.Policy.Dirty {
		t.Fatalf("the duplicate should have been repaired.")
	}

	// The second file was truncated to zero and detached.
	streamOffset := second + iexfat.DentrySize

	raw := make([]byte, iexfat.DentrySize)

	_, err = f.dev.ReadAt(raw, streamOffset)
	log.PanicIf(err)

	if start := binary.LittleEndian.Uint32(raw[20:]); start != 0 {
		t.Fatalf("start cluster not cleared: (%d)", start)
	}

	if size := binary.LittleEndian.Uint64(raw[24:]); size != 0 {
		t.Fatalf("size not cleared: (%d)", size)
	}

	// The first file keeps its cluster.
	if !ctx.AllocBitmap.Get(5) {
		t.Fatalf("cluster 5 should stay with the first file.")
	}
}

func TestChecker_zeroSizeNoFatChainRepair(t *testing.T) {
	f := newFixture()

	setOffset := f.addRootSet(f.fileSet("empty.bin", iexfat.AttrArchive, 0, 0, true))

	ctx := f.finish()

	// This is one of the "safe" codes: auto mode accepts it.
	ck, err := runCheck(ctx, ModeAuto)
	log.PanicIf(err)

	if !ck.Policy.Dirty {
		t.Fatalf("the flag should have been repaired.")
	}

	var flags [1]byte

	_, err = f.dev.ReadAt(flags[:], setOffset+iexfat.DentrySize+1)
	log.PanicIf(err)

	if flags[0]&iexfat.StreamFlagNoFatChain != 0 {
		t.Fatalf("NoFatChain flag not cleared: (0x%02x)", flags[0])
	}
}

func TestChecker_validSizeRepair(t *testing.T) {
	f := newFixture()

	set := f.fileSet("data.bin", iexfat.AttrArchive, 10, fxClusterSize, false)

	// valid_size beyond size.
	binary.LittleEndian.PutUint64(set[iexfat.DentrySize+8:], 2*fxClusterSize)

	chk := iexfat.SetChecksum(set)
	set[2] = byte(chk)
	set[3] = byte(chk >> 8)

	setOffset := f.addRootSet(set)

	f.setFat(10, iexfat.EndOfChain)
	f.markAllocated(10)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeYes)
	log.PanicIf(err)

	if !ck.Policy.Dirty {
		t.Fatalf("valid_size should have been repaired.")
	}

	var onDisk [8]byte

	_, err = f.dev.ReadAt(onDisk[:], setOffset+iexfat.DentrySize+8)
	log.PanicIf(err)

	if validSize := binary.LittleEndian.Uint64(onDisk[:]); validSize != fxClusterSize {
		t.Fatalf("valid_size not lowered: (%d)", validSize)
	}
}

func TestChecker_declinedRepairLeavesErrors(t *testing.T) {
	f := newFixture()

	set := f.fileSet("data.bin", iexfat.AttrArchive, 10, fxClusterSize, false)
	binary.LittleEndian.PutUint16(set[2:4], 0xbeef)

	f.addRootSet(set)

	f.setFat(10, iexfat.EndOfChain)
	f.markAllocated(10)

	ctx := f.finish()

	before := make([]byte, len(f.dev.Data))
	copy(before, f.dev.Data)

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	if !bytes.Equal(f.dev.Data, before) {
		t.Fatalf("report-only mode must not write.")
	}

	if ck.Policy.Dirty {
		t.Fatalf("a declined repair must not mark the volume dirty.")
	}

	if code := ck.Stats.ExitCode(); code != ExitErrorsLeft {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	if ck.Stats.Findings == nil || len(ck.Stats.Findings.Errors) == 0 {
		t.Fatalf("declined repairs should be recorded as findings.")
	}
}

func TestChecker_subdirectoryTraversal(t *testing.T) {
	f := newFixture()

	// A subdirectory at cluster 8 holding one file at cluster 10.
	f.addRootSet(f.fileSet("subdir", iexfat.AttrSubdir, 8, fxClusterSize, false))

	childSet := f.fileSet("inner.txt", iexfat.AttrArchive, 10, fxClusterSize, false)
	f.writeHeap(8, childSet)

	f.setFat(8, iexfat.EndOfChain)
	f.setFat(10, iexfat.EndOfChain)
	f.markAllocated(8, 10)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	if code := ck.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	// Root + subdir, and the file inside the subdir.
	if ck.Stats.DirCount != 2 {
		t.Fatalf("directory count not correct: (%d)", ck.Stats.DirCount)
	}

	if ck.Stats.FileCount != 1 {
		t.Fatalf("file count not correct: (%d)", ck.Stats.FileCount)
	}

	if !ctx.AllocBitmap.Get(8) || !ctx.AllocBitmap.Get(10) {
		t.Fatalf("subdirectory clusters should be allocated.")
	}
}

func TestChecker_secondRunIsIdempotent(t *testing.T) {
	f := newFixture()

	f.addRootSet(f.fileSet("data.bin", iexfat.AttrArchive, 10, 2*fxClusterSize, false))

	f.setFat(10, 11)
	f.setFat(11, 12)
	f.setFat(12, 13)
	f.setFat(13, iexfat.EndOfChain)
	f.markAllocated(10, 11, 12, 13)

	ctx := f.finish()

	_, err := runCheck(ctx, ModeYes)
	log.PanicIf(err)

	// Second pass over the repaired volume: no writes, nothing dirty.
	bsh, err := iexfat.ReadPBR(f.dev)
	log.PanicIf(err)

	ctx2 := NewContext(f.dev, bsh)

	before := make([]byte, len(f.dev.Data))
	copy(before, f.dev.Data)

	ck2, err := runCheck(ctx2, ModeYes)
	log.PanicIf(err)

	if ck2.Policy.Dirty || ck2.Policy.DirtyFat {
		t.Fatalf("second run should find nothing to repair.")
	}

	if !bytes.Equal(f.dev.Data, before) {
		t.Fatalf("second run should make zero writes.")
	}

	if code := ck2.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}
}

func TestChecker_unknownEntryWarns(t *testing.T) {
	f := newFixture()

	unknown := make([]byte, iexfat.DentrySize)
	unknown[0] = 0xE0

	f.addRootSet(unknown)

	ctx := f.finish()

	ck, err := runCheck(ctx, ModeNo)
	log.PanicIf(err)

	// A warning, not an error: the volume still checks out clean.
	if code := ck.Stats.ExitCode(); code != ExitClean {
		t.Fatalf("exit code not correct: (%d)", code)
	}

	if ck.Stats.Findings == nil || len(ck.Stats.Findings.Errors) == 0 {
		t.Fatalf("unknown entries should be recorded.")
	}
}
