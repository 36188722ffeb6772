package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/audio/audiotest"
	"github.com/petems/plant-recorder/internal/wavfile"
)

var testDevices = []audio.Device{
	{Index: 0, Name: "Built-in Microphone", DefaultSampleRate: 48000, MaxInputChannels: 2},
	{Index: 5, Name: "UltraMic384K", DefaultSampleRate: 384000, MaxInputChannels: 1},
}

func useFakeBackend(t *testing.T, b *audiotest.Backend) {
	t.Helper()
	orig := newBackend
	newBackend = func() (audio.Backend, error) { return b, nil }
	t.Cleanup(func() { newBackend = orig })
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`log_file: "-"
storage:
  cache_dir: %s
  recordings_dir: %s
queue:
  poll_interval: 5ms
`, filepath.Join(dir, "cache"), filepath.Join(dir, "recordings"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRecordPrintsFinalPath(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices, Blocks: -1, Pace: time.Millisecond})

	stdout, stderr, err := run(t, "--config", cfg, "record", "--duration", "50ms")
	require.NoError(t, err)

	path := strings.TrimSpace(stdout)
	assert.Equal(t, filepath.Join(dir, "recordings"), filepath.Dir(path))
	assert.Contains(t, stderr, "Recording from UltraMic384K at 384000 Hz")

	info, err := wavfile.Inspect(path)
	require.NoError(t, err)
	assert.True(t, info.Consistent)
	assert.NotZero(t, info.DataSize)
}

func TestRecordWarnsWhenDurationExceedsWavLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices, Blocks: 2})

	stdout, stderr, err := run(t, "--config", cfg, "record", "--duration", "2h")
	require.NoError(t, err)
	assert.Contains(t, stderr, "exceeds the 1h33m12s a single WAV file can hold at 384000 Hz")
	assert.NotEmpty(t, strings.TrimSpace(stdout))
}

func TestRecordWithinWavLimitDoesNotWarn(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices, Blocks: 2})

	_, stderr, err := run(t, "--config", cfg, "record", "--duration", "90m")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "Warning")
}

func TestRecordWritesMonitorFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices, Blocks: 4})
	mon := filepath.Join(dir, "monitor.pcm")

	stdout, _, err := run(t, "--config", cfg, "record", "--monitor", mon, "--duration", "1s")
	require.NoError(t, err)

	monitor, err := os.ReadFile(mon)
	require.NoError(t, err)
	wav, err := os.ReadFile(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, wav[wavfile.HeaderSize:], monitor)
	assert.Len(t, monitor, 4*3840*2)
}

func TestRecordWithoutMicrophone(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices[:1]})

	_, _, err := run(t, "--config", cfg, "record", "--duration", "10ms")
	assert.ErrorIs(t, err, audio.ErrNoMicrophoneFound)
	assert.NoDirExists(t, filepath.Join(dir, "recordings"))
}

func TestDevicesMarksSelection(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	useFakeBackend(t, &audiotest.Backend{DeviceList: testDevices})

	stdout, _, err := run(t, "--config", cfg, "devices")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.False(t, strings.HasPrefix(lines[1], "*"))
	assert.True(t, strings.HasPrefix(lines[2], "*"))
	assert.Contains(t, lines[2], "UltraMic384K")
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	path := filepath.Join(dir, "x.wav")

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := wavfile.NewWriter(f, wavfile.Format{SampleRate: 384000, Channels: 1})
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples(make([]int16, 38400)))
	_, err = w.Finalize()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stdout, _, err := run(t, "--config", cfg, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "384000 Hz, 1 ch, 16 bit")
	assert.Contains(t, stdout, "duration:    100ms")
	assert.Contains(t, stdout, "consistent:  true")
}

func TestConfigWrite(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	out := filepath.Join(dir, "written.yaml")

	stdout, _, err := run(t, "--config", cfg, "--log-level", "debug", "config", "write", out)
	require.NoError(t, err)
	assert.Equal(t, out, strings.TrimSpace(stdout))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "log_level: debug")
	assert.Contains(t, string(data), "sample_rate: 384000")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  policy: sideways\n"), 0o644))

	_, _, err := run(t, "--config", path, "devices")
	assert.ErrorContains(t, err, "queue.policy")
}
