package database

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	"gorm.io/gorm"
)

//go:embed seeds/*.sql
var seedsFS embed.FS

// RunSeeds выполняет все встроенные seeds/*.sql в лексикографическом порядке.
// Seeds are idempotent, so running them twice is harmless.
func RunSeeds(db *gorm.DB) error {
	entries, err := fs.ReadDir(seedsFS, "seeds")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		body, err := seedsFS.ReadFile("seeds/" + f)
		if err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		if err := db.Exec(string(body)).Error; err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		log.Printf("seed: applied %s", f)
	}
	return nil
}
