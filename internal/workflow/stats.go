package workflow

import (
	"time"

	"github.com/noah-isme/metislab-api/internal/models"
)

// FoldStats aggregates stage counts into statistics. A staff role other than
// admin sees only the requests that reached its stage; admin and requesters
// (whose rows are already owner-filtered) see every row.
func FoldStats(rows []models.StageCount, role models.UserRole) models.RequestStats {
	stage, scoped := StageForRole(role)
	if stage == StageFinal {
		scoped = false
	}

	var stats models.RequestStats
	for _, row := range rows {
		if !scoped {
			addGlobal(&stats, row)
			continue
		}
		addScoped(&stats, row, stage)
	}
	return stats
}

func addGlobal(stats *models.RequestStats, row models.StageCount) {
	stats.Total += row.Count
	switch {
	case row.Status.InReview():
		stats.Pending += row.Count
		stats.Active += row.Count
	case row.Status == models.StatusApproved:
		stats.Approved += row.Count
		stats.Active += row.Count
	case row.Status == models.StatusRejected:
		stats.Rejected += row.Count
	case row.Status == models.StatusClosed:
		stats.Closed += row.Count
	case row.Status == models.StatusCancelled:
		stats.Cancelled += row.Count
	}
}

func addScoped(stats *models.RequestStats, row models.StageCount, stage Stage) {
	done := stageDone(row, stage)
	switch {
	case row.Status == stageInput[stage]:
		stats.Pending += row.Count
		stats.Active += row.Count
	case row.Status == models.StatusRejected:
		if firstOpenStage(row) == stage {
			stats.Rejected += row.Count
		} else if !done {
			return
		}
	case !done:
		return
	case row.Status == models.StatusClosed:
		stats.Approved += row.Count
		stats.Closed += row.Count
	default:
		stats.Approved += row.Count
		stats.Active += row.Count
	}
	stats.Total += row.Count
}

func stageDone(row models.StageCount, stage Stage) bool {
	switch stage {
	case StageGuide:
		return row.GuideDone
	case StageHOD:
		return row.HODDone
	case StageITServices:
		return row.ITServicesDone
	}
	return row.Status == models.StatusApproved || row.Status == models.StatusClosed
}

func firstOpenStage(row models.StageCount) Stage {
	for stage := StageGuide; stage < StageFinal; stage++ {
		if !stageDone(row, stage) {
			return stage
		}
	}
	return StageFinal
}

// StatusTotals collapses stage counts into a per-status total.
func StatusTotals(rows []models.StageCount) map[models.RequestStatus]int {
	totals := make(map[models.RequestStatus]int, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		totals[status] = 0
	}
	for _, row := range rows {
		totals[row.Status] += row.Count
	}
	return totals
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
