// Package log is fanq's structured logging facade.
//
// Components receive a Logger and tag it with Component. Entries flow through
// a slog handler into a Formatter (text or JSON) and one or more Outputs.
//
//	l, _ := log.ApplyConfig(&log.Config{Level: "info", Format: "json"})
//	l = l.With(log.Component("consumer"))
//	l.Info("leased batch", log.Int("n", 3))
//
// RedirectStdLog routes the standard library logger (used by Pebble) through
// the same pipeline.
package log
