package rlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"slices"
)

const flags = log.Ldate | log.Ltime | log.Lmsgprefix

var (
	debug = log.New(io.Discard, "[DBG] ", flags)
	info  = log.New(os.Stderr, "[INF] ", flags)
	warn  = log.New(os.Stderr, "[WRN] ", flags)
	err   = log.New(os.Stderr, "[ERR] ", flags)
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levels = []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}

func (l Level) MarshalText() (text []byte, err error) {
	return []byte(l), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	v := Level(text)
	if !slices.Contains(levels, v) {
		return fmt.Errorf("valid values: %v", levels)
	}
	*l = v
	return nil
}

// SetLevel enables all loggers starting from the passed level. Loggers below
// the level write to [io.Discard].
func SetLevel(level Level) {
	minIndex := slices.Index(levels, level)
	if minIndex == -1 {
		minIndex = slices.Index(levels, LevelInfo)
	}

	for i, l := range []*log.Logger{debug, info, warn, err} {
		if i < minIndex {
			l.SetOutput(io.Discard)
		} else {
			l.SetOutput(os.Stderr)
		}
	}
}

func Debug(v ...any)                 { debug.Println(v...) }
func Debugf(format string, v ...any) { debug.Printf(format, v...) }

func Info(v ...any)                 { info.Println(v...) }
func Infof(format string, v ...any) { info.Printf(format, v...) }

func Warn(v ...any)                 { warn.Println(v...) }
func Warnf(format string, v ...any) { warn.Printf(format, v...) }

func Error(v ...any)                 { err.Println(v...) }
func Errorf(format string, v ...any) { err.Printf(format, v...) }
