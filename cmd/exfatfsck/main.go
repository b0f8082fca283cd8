package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-exfatfsck/internal/fsck"
)

const version = "1.0.0"

type rootParameters struct {
	Repair     bool   `short:"r" long:"repair" description:"Repair interactively"`
	RepairYes  bool   `short:"y" long:"repair-yes" description:"Repair without asking"`
	RepairNo   bool   `short:"n" long:"repair-no" description:"No repair, report only"`
	RepairAuto bool   `short:"a" long:"repair-auto" description:"Repair automatically (safe repairs only)"`
	Preen      bool   `short:"p" description:"Alias of --repair-auto"`
	Version    bool   `short:"V" long:"version" description:"Show version"`
	Verbose    []bool `short:"v" long:"verbose" description:"Print debug (repeatable)"`

	Positional struct {
		Device string `positional-arg-name:"device"`
	} `positional-args:"yes"`
}

var (
	rootArguments = new(rootParameters)
)

// repairMode folds the mutually-exclusive repair flags down to one mode, or
// fails with a syntax error when more than one was given.
func repairMode(arguments *rootParameters) (fsck.RepairMode, error) {
	selected := 0
	mode := fsck.ModeNo

	if arguments.Repair {
		selected++
		mode = fsck.ModeAsk
	}

	if arguments.RepairYes {
		selected++
		mode = fsck.ModeYes
	}

	if arguments.RepairNo {
		selected++
		mode = fsck.ModeNo
	}

	if arguments.RepairAuto || arguments.Preen {
		selected++
		mode = fsck.ModeAuto
	}

	if selected > 1 {
		return fsck.ModeNo, log.Errorf("repair options are mutually exclusive")
	}

	return mode, nil
}

func run(deviceFilepath string, mode fsck.RepairMode) (exitCode int) {
	flag := os.O_RDWR
	if !mode.IsWriteMode() {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(deviceFilepath, flag, 0)
	if err != nil {
		log.PrintError(log.Wrap(err))
		return fsck.ExitOperationError
	}

	defer f.Close()

	dev, err := iexfat.NewFileDevice(f)
	if err != nil {
		log.PrintError(log.Wrap(err))
		return fsck.ExitOperationError
	}

	policy := fsck.NewRepairPolicy(mode, os.Stdin, os.Stdout)

	bsh, err := fsck.CheckBootRegion(dev, policy)
	if err != nil {
		log.PrintError(log.Wrap(err))
		return fsck.ExitErrorsLeft
	}

	ctx := fsck.NewContext(dev, bsh)
	checker := fsck.NewChecker(ctx, policy)

	if mode.IsWriteMode() {
		if err := fsck.MarkVolumeDirty(ctx, true); err != nil {
			log.PrintError(log.Wrap(err))
			return fsck.ExitOperationError
		}
	}

	var checkErr error

	if checkErr = checker.RootDirCheck(); checkErr == nil {
		checkErr = checker.FilesystemCheck()
	}

	if checkErr == nil && mode.IsWriteMode() {
		if err := dev.Sync(); err != nil {
			log.PrintError(log.Wrap(err))
			return fsck.ExitOperationError
		}

		// The volume-dirty flag stays asserted on any path that doesn't
		// reach clean completion.
		if err := fsck.MarkVolumeDirty(ctx, false); err != nil {
			log.PrintError(log.Wrap(err))
			return fsck.ExitOperationError
		}
	}

	showInfo(checker, deviceFilepath, checkErr)

	if checkErr != nil {
		if kind, ok := iexfat.KindOf(checkErr); ok && kind == iexfat.ErrIO {
			return fsck.ExitOperationError
		}

		return fsck.ExitErrorsLeft
	}

	exitCode = checker.Stats.ExitCode()

	// A boot-region restore doesn't pass through the per-file statistics.
	if policy.Dirty {
		exitCode |= fsck.ExitCorrected
	}

	return exitCode
}

func showInfo(checker *fsck.Checker, deviceFilepath string, checkErr error) {
	ctx := checker.Ctx

	fmt.Printf("sector size:  %s\n", humanize.IBytes(uint64(ctx.SectorSize)))
	fmt.Printf("cluster size: %s\n", humanize.IBytes(uint64(ctx.ClusterSize)))
	fmt.Printf("volume size:  %s\n", humanize.IBytes(uint64(ctx.Dev.Size())))

	state := "clean"
	if checkErr != nil {
		state = "checking stopped"
	}

	fmt.Printf("%s: %s. directories %d, files %d\n",
		deviceFilepath, state, checker.Stats.DirCount, checker.Stats.FileCount)

	if checkErr != nil || checker.Policy.Dirty {
		fmt.Printf("%s: files corrupted %d, files fixed %d\n",
			deviceFilepath, checker.Stats.ErrorCount, checker.Stats.FixedCount)
	}
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(fsck.ExitLibraryError)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(fsck.ExitSyntaxError)
	}

	if rootArguments.Version {
		fmt.Printf("exfatfsck %s\n", version)
		os.Exit(fsck.ExitSyntaxError)
	}

	if len(rootArguments.Verbose) > 0 {
		cla := log.NewConsoleLogAdapter()
		log.AddAdapter("console", cla)

		scp := log.NewStaticConfigurationProvider()
		scp.SetLevelName(log.LevelNameDebug)

		log.LoadConfiguration(scp)
	}

	mode, err := repairMode(rootArguments)
	if err != nil {
		log.PrintError(err)
		os.Exit(fsck.ExitSyntaxError)
	}

	if rootArguments.Positional.Device == "" {
		fmt.Fprintf(os.Stderr, "no device given\n")
		os.Exit(fsck.ExitSyntaxError)
	}

	os.Exit(run(rootArguments.Positional.Device, mode))
}
