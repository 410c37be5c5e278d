// Package logging provides structured logging with per-module levels.
//
// Records go to stdout (text or JSON) and, when journald is listening, to
// the systemd journal through [JournalHandler]. Each module logger owns a
// slog.LevelVar, so [Initialize] and [SetLevels] change levels of loggers
// that were handed out earlier.
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"streamio": "debug"},
//	})
//	logger := logging.GetLogger("capture")
//	logger.Info("Capture started", "device", "/dev/video0")
//
// In the TOML file, module levels sit next to the global ones:
//
//	[logging]
//	level = "info"
//	format = "text"
//	streamio = "debug"
//	api = "warn"
//
// Journal entries carry SYSLOG_IDENTIFIER=v4lstream:
//
//	journalctl -t v4lstream -f
//	journalctl -t v4lstream MODULE=streamio
package logging
