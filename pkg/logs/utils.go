package logs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

var (
	mu     sync.RWMutex
	level            = log.InfoLevel
	output io.Writer = os.Stderr
	colors           = true
)

// formatter adds default fields to each log entry.
type formatter struct {
	owner string
	lf    log.Formatter
}

// Format satisfies the log.Formatter interface.
func (f *formatter) Format(e *log.Entry) ([]byte, error) {
	e.Message = fmt.Sprintf("[%s] %s", f.owner, e.Message)
	return f.lf.Format(e)
}

// Configure sets level and output for loggers created afterwards. With a
// file configured, entries go to stderr and to a size-rotated file.
func Configure(conf Config) error {
	lvl := log.InfoLevel
	if conf.Level != "" {
		parsed, err := log.ParseLevel(conf.Level)
		if err != nil {
			return err
		}
		lvl = parsed
	}

	var out io.Writer = os.Stderr
	useColors := true
	if conf.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
			Compress:   conf.Compress,
		})
		useColors = false
	}

	mu.Lock()
	defer mu.Unlock()
	level = lvl
	output = out
	colors = useColors
	log.SetLevel(lvl)
	log.SetOutput(out)
	return nil
}

func NewLogger(owner string) *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	logger := log.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&formatter{
		owner: owner,
		lf: &log.TextFormatter{
			ForceColors:     colors,
			DisableColors:   !colors,
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		},
	})
	return logger
}
