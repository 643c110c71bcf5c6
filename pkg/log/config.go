package log

import (
	"fmt"
	stdlog "log"
	"strings"
)

// Config declares a logger. The zero value yields info/text on stderr.
type Config struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
	// Outputs lists sinks: "stderr", "stdout", "null", or a file path.
	Outputs    []string `json:"outputs" yaml:"outputs" mapstructure:"outputs"`
	RedactKeys []string `json:"redact_keys" yaml:"redact_keys" mapstructure:"redact_keys"`
	// SampleThereafter > 0 enables per-message sampling after SampleInitial entries.
	SampleInitial    int `json:"sample_initial" yaml:"sample_initial" mapstructure:"sample_initial"`
	SampleThereafter int `json:"sample_thereafter" yaml:"sample_thereafter" mapstructure:"sample_thereafter"`
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := []LoggerOption{WithLevel(level)}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	for _, o := range cfg.Outputs {
		switch o {
		case "stderr":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "stdout":
			opts = append(opts, WithOutput(&ConsoleOutput{UseStdout: true}))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		default:
			fo, err := NewFileOutput(o)
			if err != nil {
				return nil, fmt.Errorf("log output %s: %w", o, err)
			}
			opts = append(opts, WithOutput(fo))
		}
	}
	if len(cfg.RedactKeys) > 0 {
		opts = append(opts, WithRedactedKeys(cfg.RedactKeys...))
	}
	if cfg.SampleThereafter > 0 {
		opts = append(opts, WithSampling(cfg.SampleInitial, cfg.SampleThereafter))
	}
	return NewLogger(opts...), nil
}

// stdWriter adapts a Logger to io.Writer for the standard library logger.
type stdWriter struct {
	l     Logger
	level Level
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	switch w.level {
	case DebugLevel:
		w.l.Debug(msg, Str("source", "stdlog"))
	case WarnLevel:
		w.l.Warn(msg, Str("source", "stdlog"))
	case ErrorLevel, FatalLevel:
		w.l.Error(msg, Str("source", "stdlog"))
	default:
		w.l.Info(msg, Str("source", "stdlog"))
	}
	return len(p), nil
}

// ToStdLogger returns a *log.Logger that forwards to l at the given level.
func ToStdLogger(l Logger, level Level) *stdlog.Logger {
	return stdlog.New(stdWriter{l: l, level: level}, "", 0)
}

// RedirectStdLog points the standard library's default logger at l.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(stdWriter{l: l, level: InfoLevel})
}
