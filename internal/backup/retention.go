package backup

import (
	"sort"
	"time"
)

// RetentionPlan splits the catalog into backups to keep and to delete.
type RetentionPlan struct {
	Keep   []Backup
	Delete []Backup
}

// sortNewestFirst orders by creation time, breaking ties by id so the
// order is stable across processes.
func sortNewestFirst(backups []Backup) {
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].ID > backups[j].ID
	})
}

// PlanRetention applies the count and age bounds. A backup survives only
// if it is within the newest maxBackups and younger than maxAge. The
// newest backup always survives.
func PlanRetention(backups []Backup, maxBackups int, maxAge time.Duration, now time.Time) RetentionPlan {
	sorted := append([]Backup(nil), backups...)
	sortNewestFirst(sorted)

	var plan RetentionPlan
	cutoff := now.Add(-maxAge)
	for i, b := range sorted {
		keep := i == 0
		if !keep {
			keep = (maxBackups == 0 || i < maxBackups) && (maxAge == 0 || b.CreatedAt.After(cutoff))
		}
		if keep {
			plan.Keep = append(plan.Keep, b)
		} else {
			plan.Delete = append(plan.Delete, b)
		}
	}
	return plan
}
