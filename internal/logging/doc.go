// Package logging provides slog loggers with per-module levels.
//
// Output goes to stdout when something is attached to it, to the systemd journal when
// journald is reachable, and always to an in-memory history that the status API serves.
//
// Initialize once at startup, then ask for a module logger:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"supervisor": "debug"},
//	})
//	logger := logging.GetLogger("supervisor").With("job_id", id)
//	logger.Info("Job started", "scale", 2)
//
// Loggers handed out before Initialize keep working; their level is updated in place.
// Reconfigure applies new levels at runtime without recreating handlers, which is how the
// [logging] section of the config file is hot-reloaded.
//
// Journal fields are the upper-cased attribute keys, so
//
//	journalctl -t upscaler MODULE=supervisor JOB_ID=01J...
//
// filters one job.
package logging
