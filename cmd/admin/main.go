package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"entitysync/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "prune":
			pruneCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the header of every snapshot in the data dir, newest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if err := listSnapshots(os.Stdout, filepath.Join(*dataDir, "snapshots")); err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
}

func listSnapshots(out io.Writer, dir string) error {
	paths, err := snapshotFiles(dir)
	if err != nil {
		return err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		h, err := snapshot.ReadHeader(paths[i])
		if err != nil {
			fmt.Fprintf(out, "%s error=%v\n", filepath.Base(paths[i]), err)
			continue
		}
		fmt.Fprintf(out, "%s v%d server=%s tick=%d entities=%d taken_usec=%d\n",
			filepath.Base(paths[i]), h.Version, h.ServerID, h.Tick, h.Entities, h.TakenUsec)
	}
	return nil
}

// pruneCmd deletes all but the newest -keep snapshots.
func pruneCmd(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	keep := fs.Int("keep", 10, "snapshots to keep")
	dryRun := fs.Bool("dry_run", false, "only print what would be deleted")
	_ = fs.Parse(args)

	if *keep < 1 {
		fmt.Fprintln(os.Stderr, "-keep must be >= 1")
		os.Exit(2)
	}
	removed, err := pruneSnapshots(filepath.Join(*dataDir, "snapshots"), *keep, *dryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "prune:", err)
		os.Exit(1)
	}
	for _, p := range removed {
		fmt.Println(p)
	}
}

func pruneSnapshots(dir string, keep int, dryRun bool) ([]string, error) {
	paths, err := snapshotFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) <= keep {
		return nil, nil
	}
	victims := paths[:len(paths)-keep]
	if dryRun {
		return victims, nil
	}
	for _, p := range victims {
		if err := os.Remove(p); err != nil {
			return nil, err
		}
	}
	return victims, nil
}

// snapshotFiles lists snapshot files in ascending tick order.
func snapshotFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		path string
		tick uint64
	}
	var items []item
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		var tick uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".snap.zst"), "%d", &tick); err != nil {
			continue
		}
		items = append(items, item{filepath.Join(dir, name), tick})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tick < items[j].tick })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}
