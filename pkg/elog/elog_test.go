package elog

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCLIFormat(t *testing.T) {
	log := &CLI{DisableTTY: true}

	out, err := log.Format(&logrus.Entry{Level: logrus.WarnLevel, Message: "no partition table\n"})
	assert.NoError(t, err)
	assert.Equal(t, "WARN: no partition table\n", string(out))

	out, err = log.Format(&logrus.Entry{
		Level:   logrus.InfoLevel,
		Message: "opened",
		Data:    logrus.Fields{"scope": "ldm"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "[ldm] opened\n", string(out))
}

func TestCLILevels(t *testing.T) {
	log := &CLI{}
	assert.False(t, log.IsLogLevelEnabled(DebugLevel))
	assert.False(t, log.IsLogLevelEnabled(InfoLevel))
	assert.True(t, log.IsLogLevelEnabled(WarnLevel))

	log = &CLI{IsDebug: true, IsVerbose: true}
	assert.True(t, log.IsLogLevelEnabled(TraceLevel))

	scoped := log.Scoped("vhd").Scoped("bat").(*CLI)
	assert.Equal(t, "vhd/bat", scoped.scope)
	assert.Equal(t, "", log.scope)
}

func TestLogrusScoped(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&CLI{DisableTTY: true})

	log := NewLogrus(logger).Scoped("partitions")
	log.Debugf("probing %s", "gpt")
	log.Tracef("hidden")

	assert.Equal(t, "DEBUG: [partitions] probing gpt\n", buf.String())
	assert.False(t, log.IsLogLevelEnabled(TraceLevel))
}

func TestDiscard(t *testing.T) {
	assert.Equal(t, Discard, OrDiscard(nil))
	Discard.Errorf("dropped")
	p := Discard.NewProgress("copy", "bytes", 10)
	p.Increment(10)
	p.Finish(true)
}
