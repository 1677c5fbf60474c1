package supervisor

import (
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	stderrMaxSizeMB  = 10
	stderrMaxBackups = 3
	stderrMaxAgeDays = 7
)

// openStderrLog returns a rotating file for producer diagnostics, or nil
// when path is empty.
func openStderrLog(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Clean(path),
		MaxSize:    stderrMaxSizeMB,
		MaxBackups: stderrMaxBackups,
		MaxAge:     stderrMaxAgeDays,
	}
}

// stderrLine handles one line of producer stderr. It is logged and, when a
// diagnostic file is configured, appended there. It never reaches
// subscribers.
func stderrLine(log zerolog.Logger, file io.Writer, pid func() int) func(string) {
	return func(line string) {
		if line == "" {
			return
		}
		log.Warn().Int("pid", pid()).Str("stream", "stderr").Msg(line)
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
	}
}
