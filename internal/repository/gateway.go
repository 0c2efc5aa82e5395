// Package repository implements the persistence gateway consumed by the hub:
// a GORM implementation for PostgreSQL and an in-memory one for local runs and tests.
package repository

import (
	"sort"

	"github.com/Leighthann/codebreak/internal/model"
)

// Resource types a player inventory can hold.
var ResourceTypes = []string{"code_fragments", "energy_cores", "data_shards"}

// StarterInventory is the inventory of a freshly created player.
func StarterInventory() map[string]int {
	inv := make(map[string]int, len(ResourceTypes))
	for _, r := range ResourceTypes {
		inv[r] = 0
	}
	return inv
}

// KnownResource reports whether r is a valid resource type.
func KnownResource(r string) bool {
	for _, t := range ResourceTypes {
		if t == r {
			return true
		}
	}
	return false
}

// sortEntries orders rows the way every leaderboard read does: score desc, then earliest date, then name.
func sortEntries(rows []model.LeaderboardEntry) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Username < b.Username
	})
}

func cloneInventory(inv map[string]int) map[string]int {
	out := make(map[string]int, len(inv))
	for k, v := range inv {
		out[k] = v
	}
	return out
}
