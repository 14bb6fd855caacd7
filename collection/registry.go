package collection

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blockdb/blockdb/errs"
)

const registryFileName = "REGISTRY"

// registryEntry is one line of the registry file: id and name, tab
// separated. The registry is a cache of the directory scan, not the
// source of truth — per spec.md §4.6, a discrepancy is always resolved by
// trusting the collections directory and rewriting the registry to match,
// the same way the teacher's manifest.go treats its MANIFEST file as a
// derived index over the directory rather than an independent ledger.
type registryEntry struct {
	id   string
	name string
}

func registryPath(dataDir string) string {
	return filepath.Join(dataDir, registryFileName)
}

func loadRegistry(dataDir string) ([]registryEntry, error) {
	f, err := os.Open(registryPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IO("collection.loadRegistry", err)
	}
	defer f.Close()

	var entries []registryEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, registryEntry{id: parts[0], name: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.IO("collection.loadRegistry", err)
	}
	return entries, nil
}

// rewriteRegistry atomically replaces the registry file with entries, via
// temp file + rename, the same durability pattern the teacher uses for
// its manifest rewrites.
func rewriteRegistry(dataDir string, entries []registryEntry) error {
	path := registryPath(dataDir)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errs.IO("collection.rewriteRegistry", err)
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s\t%s\n", e.id, e.name); err != nil {
			f.Close()
			os.Remove(tmp)
			return errs.IO("collection.rewriteRegistry", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.IO("collection.rewriteRegistry", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.IO("collection.rewriteRegistry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("collection.rewriteRegistry", err)
	}
	return nil
}
