package config

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func noEnvFile(t *testing.T) string {
	return "--env-file=" + filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	s, err := Load([]string{noEnvFile(t)})
	require.NoError(t, err)

	assert.False(t, s.BLE.Enabled)
	assert.Equal(t, DefaultDeviceName, s.BLE.DeviceName)
	assert.Equal(t, 5, s.GATT.MaxNotifyFailures)
	assert.Equal(t, SourceSimulated, s.Sensor.Source)
	assert.Equal(t, UIConsole, s.UI.Mode)
	assert.Equal(t, fusion.DefaultLoopConfig(), s.Fusion.LoopConfig())
	assert.Equal(t, filepath.Join(DataDir(), "state.yaml"), s.State.File)
	assert.Equal(t, 10*time.Second, s.BLESensor.ScanTimeout)
}

func TestLoad_ConfigFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sensor:
  source: mqtt
fusion:
  tick_interval: 500ms
  alpha:
    power: 0.5
ui:
  mode: dashboard
mqtt:
  sample_topic: bike/raw
`), 0644))

	t.Setenv("FTMS_UI_MODE", "headless")
	t.Setenv("FTMS_MQTT_BROKER", "broker.lan")

	s, err := Load([]string{noEnvFile(t), "--config", path, "--mqtt.broker", "flag.lan:1884"})
	require.NoError(t, err)

	assert.Equal(t, SourceMQTT, s.Sensor.Source)
	assert.Equal(t, 500*time.Millisecond, s.Fusion.TickInterval)
	assert.Equal(t, 0.5, s.Fusion.Alpha.Power)
	assert.Equal(t, 0.35, s.Fusion.Alpha.Cadence)
	assert.Equal(t, "bike/raw", s.MQTT.SampleTopic)
	assert.Equal(t, UIHeadless, s.UI.Mode, "environment beats the config file")
	assert.Equal(t, "flag.lan:1884", s.MQTT.Broker, "flags beat the environment")
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.env")
	require.NoError(t, os.WriteFile(path, []byte("FTMS_HTTP_LISTEN=0.0.0.0:8080\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FTMS_HTTP_LISTEN") })

	s, err := Load([]string{"--env-file", path})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", s.HTTP.Listen)
}

func TestLoad_Rejects(t *testing.T) {
	_, err := Load([]string{noEnvFile(t), "--sensor.source", "serial"})
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = Load([]string{noEnvFile(t), "--ui.mode", "web"})
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = Load([]string{noEnvFile(t), "--no-such-flag"})
	assert.Error(t, err)

	_, err = Load([]string{noEnvFile(t), "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)
}

func TestValidate_Alpha(t *testing.T) {
	s, err := Load([]string{noEnvFile(t)})
	require.NoError(t, err)

	s.Fusion.Alpha.Speed = 1.5
	assert.ErrorIs(t, s.Validate(), ErrInvalidSetting)
}

func TestValidate_WindowSize(t *testing.T) {
	s, err := Load([]string{noEnvFile(t)})
	require.NoError(t, err)

	s.Fusion.WindowSize = fusion.MinWindowSize
	assert.NoError(t, s.Validate())

	s.Fusion.WindowSize = fusion.MinWindowSize - 1
	assert.ErrorIs(t, s.Validate(), ErrInvalidSetting)
}

func TestGenerateSerial(t *testing.T) {
	serial, err := GenerateSerial(bytes.NewReader([]byte{0x0a, 0xbc}))
	require.NoError(t, err)
	assert.Equal(t, "0ABC", serial)

	_, err = GenerateSerial(bytes.NewReader([]byte{0x01}))
	assert.Error(t, err)
}

func TestStore_FirstOpenPersistsSerial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	store, err := OpenStore(path, State{}, discardLogger())
	require.NoError(t, err)
	first := store.State()
	assert.False(t, first.Enabled)
	assert.Equal(t, DefaultDeviceName, first.DeviceName)
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{4}$`), first.Serial)
	store.Close()

	reopened, err := OpenStore(path, State{DeviceName: "Other", Enabled: true}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, first, reopened.State(), "state file wins over defaults")
}

func TestStore_UpdatesNotifyObservers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	store, err := OpenStore(path, State{DeviceName: "Bike"}, discardLogger())
	require.NoError(t, err)

	var seen []State
	unregister := store.Observe(func(s State) { seen = append(seen, s) })
	require.Len(t, seen, 1, "current state is replayed")
	assert.Equal(t, "Bike", seen[0].DeviceName)

	require.NoError(t, store.SetEnabled(true))
	require.NoError(t, store.SetEnabled(true))
	require.NoError(t, store.SetDeviceName("  Garage Bike "))
	assert.ErrorIs(t, store.SetDeviceName(" "), ErrEmptyDeviceName)

	require.Len(t, seen, 3, "unchanged values do not notify")
	assert.True(t, seen[1].Enabled)
	assert.Equal(t, "Garage Bike", seen[2].DeviceName)

	unregister()
	require.NoError(t, store.SetEnabled(false))
	assert.Len(t, seen, 3)

	reopened, err := OpenStore(path, State{}, discardLogger())
	require.NoError(t, err)
	assert.False(t, reopened.State().Enabled)
	assert.Equal(t, "Garage Bike", reopened.State().DeviceName)
}

func TestStore_CloseDropsObservers(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "state.yaml"), State{}, discardLogger())
	require.NoError(t, err)

	calls := 0
	store.Observe(func(State) { calls++ })
	store.Close()
	require.NoError(t, store.SetEnabled(true))

	assert.Equal(t, 1, calls)
	assert.True(t, store.State().Enabled)
}

func TestStore_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enabled: [not a bool"), 0644))

	store, err := OpenStore(path, State{Enabled: true}, discardLogger())
	require.NoError(t, err)
	assert.True(t, store.State().Enabled)
	assert.Len(t, store.State().Serial, 4)
}
