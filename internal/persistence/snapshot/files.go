package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const fileSuffix = ".snap.zst"

// PathFor names the snapshot of tick inside dir.
func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", tick, fileSuffix))
}

// Latest returns the highest-tick snapshot in dir, or "" if there is none.
func Latest(dir string) (string, uint64) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best, bestTick
}
