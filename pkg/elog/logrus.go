package elog

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"
)

// Logrus adapts a logrus entry to the View interface.
type Logrus struct {
	Entry *logrus.Entry
}

// NewLogrus returns a View writing through logger.
func NewLogrus(logger *logrus.Logger) *Logrus {
	return &Logrus{Entry: logrus.NewEntry(logger)}
}

func (l *Logrus) IsLogLevelEnabled(level LogLevel) bool {
	return l.Entry.Logger.IsLevelEnabled(logrus.Level(level))
}

func (l *Logrus) Logf(level LogLevel, format string, args ...interface{}) {
	l.Entry.Logf(logrus.Level(level), format, args...)
}

func (l *Logrus) Tracef(format string, args ...interface{}) { l.Entry.Tracef(format, args...) }
func (l *Logrus) Debugf(format string, args ...interface{}) { l.Entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{})  { l.Entry.Infof(format, args...) }
func (l *Logrus) Warnf(format string, args ...interface{})  { l.Entry.Warnf(format, args...) }
func (l *Logrus) Errorf(format string, args ...interface{}) { l.Entry.Errorf(format, args...) }
func (l *Logrus) Printf(format string, args ...interface{}) { l.Entry.Printf(format, args...) }

func (l *Logrus) Scoped(scope string) Logger {
	if parent, ok := l.Entry.Data["scope"].(string); ok && parent != "" {
		scope = parent + "/" + scope
	}
	return &Logrus{Entry: l.Entry.WithField("scope", scope)}
}

func (l *Logrus) NewProgress(label string, units string, total int64) Progress {
	return &logrusProgress{entry: l.Entry.WithField("progress", label), units: units, total: total}
}

type logrusProgress struct {
	entry *logrus.Entry
	units string
	total int64
	done  int64
}

func (p *logrusProgress) Increment(n int64) {
	p.done += n
}

func (p *logrusProgress) Finish(success bool) {
	p.entry.WithField("success", success).Debugf("%d/%d %s", p.done, p.total, p.units)
}

// Discard drops everything.
var Discard View = discard()

func discard() *Logrus {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return NewLogrus(logger)
}
