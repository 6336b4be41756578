package elog

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// CLI is the logger used by the vdisc command. It formats logrus entries for
// a terminal and filters debug and info output according to its flags.
type CLI struct {
	IsDebug    bool
	IsVerbose  bool
	DisableTTY bool

	scope string
}

var ttyOnce sync.Once
var ttyDetected bool

func (log *CLI) tty() bool {
	if log.DisableTTY {
		return false
	}
	ttyOnce.Do(func() {
		ttyDetected = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	})
	return ttyDetected
}

func (log *CLI) prefix(level logrus.Level) string {
	var tag string
	var c *color.Color

	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		tag, c = "ERROR", color.New(color.FgRed, color.Bold)
	case logrus.WarnLevel:
		tag, c = "WARN", color.New(color.FgYellow)
	case logrus.InfoLevel:
		return ""
	case logrus.DebugLevel:
		tag, c = "DEBUG", color.New(color.FgCyan)
	default:
		tag, c = "TRACE", color.New(color.FgHiBlack)
	}

	if !log.tty() {
		return tag + ": "
	}
	c.EnableColor()
	return c.Sprint(tag) + ": "
}

// Format implements logrus.Formatter.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(log.prefix(entry.Level))
	if scope, ok := entry.Data["scope"]; ok {
		fmt.Fprintf(buf, "[%v] ", scope)
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\n"))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (log *CLI) entry() *logrus.Entry {
	e := logrus.NewEntry(logrus.StandardLogger())
	if log.scope != "" {
		e = e.WithField("scope", log.scope)
	}
	return e
}

func (log *CLI) IsLogLevelEnabled(level LogLevel) bool {
	switch level {
	case TraceLevel, DebugLevel:
		return log.IsDebug
	case InfoLevel:
		return log.IsVerbose
	}
	return true
}

func (log *CLI) Logf(level LogLevel, format string, args ...interface{}) {
	if !log.IsLogLevelEnabled(level) {
		return
	}
	log.entry().Logf(logrus.Level(level), format, args...)
}

func (log *CLI) Tracef(format string, args ...interface{}) {
	log.Logf(TraceLevel, format, args...)
}

func (log *CLI) Debugf(format string, args ...interface{}) {
	log.Logf(DebugLevel, format, args...)
}

func (log *CLI) Infof(format string, args ...interface{}) {
	log.Logf(InfoLevel, format, args...)
}

func (log *CLI) Warnf(format string, args ...interface{}) {
	log.Logf(WarnLevel, format, args...)
}

func (log *CLI) Errorf(format string, args ...interface{}) {
	log.Logf(ErrorLevel, format, args...)
}

// Printf writes plain output that is never filtered.
func (log *CLI) Printf(format string, args ...interface{}) {
	log.entry().Logf(logrus.InfoLevel, format, args...)
}

func (log *CLI) Scoped(scope string) Logger {
	l := *log
	if l.scope != "" {
		scope = l.scope + "/" + scope
	}
	l.scope = scope
	return &l
}

func (log *CLI) NewProgress(label string, units string, total int64) Progress {
	p := &cliProgress{log: log, label: label, units: units, total: total, start: time.Now()}
	if !log.tty() || total <= 0 {
		return p
	}

	counters := decor.CountersNoUnit("%d / %d")
	if units == "KiB" {
		counters = decor.CountersKibiByte("% .1f / % .1f")
	}
	p.container = mpb.New(mpb.WithOutput(os.Stderr), mpb.WithWidth(40))
	p.bar = p.container.AddBar(total,
		mpb.PrependDecorators(decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight})),
		mpb.AppendDecorators(counters),
	)
	return p
}

type cliProgress struct {
	log       *CLI
	label     string
	units     string
	total     int64
	done      int64
	start     time.Time
	container *mpb.Progress
	bar       *mpb.Bar
}

func (p *cliProgress) Increment(n int64) {
	p.done += n
	if p.bar != nil {
		p.bar.IncrInt64(n)
	}
}

func (p *cliProgress) Finish(success bool) {
	if p.bar != nil {
		if success {
			p.bar.SetTotal(p.done, true)
		} else {
			p.bar.Abort(false)
		}
		p.container.Wait()
	}
	if !success {
		p.log.Warnf("%s: failed after %d/%d %s", p.label, p.done, p.total, p.units)
		return
	}
	p.log.Infof("%s: %d %s in %s", p.label, p.done, p.units, time.Since(p.start).Round(time.Millisecond))
}
