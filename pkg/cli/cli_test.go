package cli

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/imagetools"
	"github.com/vorteil/vdisc/pkg/vdisk"
)

func TestPrintableSize(t *testing.T) {
	defer SetNumbersMode("short")

	require.NoError(t, SetNumbersMode("short"))
	assert.Equal(t, "0", PrintableSize(0).String())
	assert.Equal(t, "1M", PrintableSize(1024*1024).String())
	assert.Equal(t, "512B", PrintableSize(512).String())

	require.NoError(t, SetNumbersMode("dec"))
	assert.Equal(t, "1048576", PrintableSize(1024*1024).String())

	require.NoError(t, SetNumbersMode(" HEX "))
	assert.Equal(t, "0x200", PrintableSize(512).String())

	assert.Error(t, SetNumbersMode("roman"))
}

func TestParseImageFormat(t *testing.T) {
	f, err := parseImageFormat(" RAW ")
	require.NoError(t, err)
	assert.Equal(t, vdisk.RAWFormat, f)

	_, err = parseImageFormat("floppy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raw")
}

func TestCheckValidNewFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.img")

	assert.NoError(t, checkValidNewFileOutput(path, false, "output", "-f"))

	require.NoError(t, ioutil.WriteFile(path, []byte("x"), 0644))
	err := checkValidNewFileOutput(path, false, "output", "-f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-f")

	require.NoError(t, checkValidNewFileOutput(path, true, "output", "-f"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenDisksClosesOnFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.img")
	require.NoError(t, ioutil.WriteFile(good, make([]byte, 4096), 0644))

	_, err := openDisks([]string{good, filepath.Join(dir, "missing.img")})
	assert.Error(t, err)

	disks, err := openDisks([]string{good})
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, int64(4096), disks[0].Capacity())
	closeDisks(disks)
}

func TestFilterVolumes(t *testing.T) {
	reports := []imagetools.VolumeReport{
		{Identity: "VPD:disk0", Kind: "physical"},
		{Identity: "VPG{8a2b5c4d-0000-0000-0000-000000000001}", Name: "data"},
		{Identity: "VLG{1}-{2}", Name: "Volume1"},
	}

	got, err := filterVolumes(reports, "VP*")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = filterVolumes(reports, "Vol*")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "VLG{1}-{2}", got[0].Identity)

	_, err = filterVolumes(reports, "[")
	assert.Error(t, err)
}
