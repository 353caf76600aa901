package jobs

import (
	"time"

	"taskd/internal/directory"
	"taskd/internal/recurrence"
	"taskd/internal/task"
)

// Deps are the collaborators the built-in jobs need.
type Deps struct {
	Purger     Purger
	Discoverer Discoverer
}

// Registrations returns the built-in tasks in a stable order.
func Registrations(d Deps) []directory.Registration {
	retention := recurrence.Daily("03:30", "UTC")
	probe := recurrence.Every(6 * time.Hour)
	return []directory.Registration{
		{
			ID:          RetentionID,
			DisplayName: "Execution retention",
			Description: "Deletes execution records older than retention_days.",
			Category:    "maintenance",
			Enabled:     true,
			Default:     &retention,
			Config:      map[string]any{"retention_days": DefaultRetentionDays},
			New:         func() task.Executor { return NewRetention(d.Purger) },
		},
		{
			ID:          ProbeID,
			DisplayName: "Network probe",
			Description: "Pings the closest speedtest servers and reports the best one.",
			Category:    "network",
			Enabled:     true,
			Default:     &probe,
			Config:      map[string]any{"servers": DefaultProbeServer, "download": false},
			New:         func() task.Executor { return NewProbe(d.Discoverer) },
		},
	}
}
