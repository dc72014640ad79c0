package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
)

var ErrInvalidSetting = errors.New("invalid setting")

// EnvPrefix namespaces environment overrides: ble.device_name is FTMS_BLE_DEVICE_NAME.
const EnvPrefix = "FTMS"

const (
	SourceSimulated = "simulated"
	SourceMQTT      = "mqtt"
	SourceHTTP      = "http"
	SourceBLE       = "ble"

	UIConsole   = "console"
	UIDashboard = "dashboard"
	UIHeadless  = "headless"
)

type BLE struct {
	Enabled          bool   `mapstructure:"enabled"`
	DeviceName       string `mapstructure:"device_name"`
	Manufacturer     string `mapstructure:"manufacturer"`
	Model            string `mapstructure:"model"`
	HardwareRevision string `mapstructure:"hardware_revision"`
	FirmwareRevision string `mapstructure:"firmware_revision"`
	SoftwareRevision string `mapstructure:"software_revision"`
}

type GATT struct {
	MaxNotifyFailures int `mapstructure:"max_notify_failures"`
}

type Alphas struct {
	Power      float64 `mapstructure:"power"`
	Cadence    float64 `mapstructure:"cadence"`
	Resistance float64 `mapstructure:"resistance"`
	Speed      float64 `mapstructure:"speed"`
}

type Fusion struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	WindowSize           int           `mapstructure:"window_size"`
	OutlierThreshold     float64       `mapstructure:"outlier_threshold"`
	Alpha                Alphas        `mapstructure:"alpha"`
	WheelCircumference   float64       `mapstructure:"wheel_circumference"`
	DeriveSpeedFromPower bool          `mapstructure:"derive_speed_from_power"`
}

// LoopConfig converts the settings into the fusion loop's configuration.
func (f Fusion) LoopConfig() fusion.LoopConfig {
	return fusion.LoopConfig{
		TickInterval:             f.TickInterval,
		WindowSize:               f.WindowSize,
		OutlierThreshold:         f.OutlierThreshold,
		PowerAlpha:               f.Alpha.Power,
		CadenceAlpha:             f.Alpha.Cadence,
		ResistanceAlpha:          f.Alpha.Resistance,
		SpeedAlpha:               f.Alpha.Speed,
		WheelCircumferenceMeters: f.WheelCircumference,
		DeriveSpeedFromPower:     f.DeriveSpeedFromPower,
	}
}

type Sensor struct {
	Source   string        `mapstructure:"source"`
	Interval time.Duration `mapstructure:"interval"`
}

type MQTT struct {
	Broker         string `mapstructure:"broker"`
	ClientID       string `mapstructure:"client_id"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SampleTopic    string `mapstructure:"sample_topic"`
	TelemetryTopic string `mapstructure:"telemetry_topic"`
}

type HTTP struct {
	Listen string `mapstructure:"listen"`
}

type BLESensor struct {
	Address     string        `mapstructure:"address"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

type Log struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type UI struct {
	Mode string `mapstructure:"mode"`
}

type StateFile struct {
	File string `mapstructure:"file"`
}

// Settings is the merged configuration: defaults, config file, .env,
// FTMS_ environment variables and flags, in increasing precedence.
type Settings struct {
	BLE       BLE       `mapstructure:"ble"`
	GATT      GATT      `mapstructure:"gatt"`
	Fusion    Fusion    `mapstructure:"fusion"`
	Sensor    Sensor    `mapstructure:"sensor"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	HTTP      HTTP      `mapstructure:"http"`
	BLESensor BLESensor `mapstructure:"ble_sensor"`
	Log       Log       `mapstructure:"log"`
	UI        UI        `mapstructure:"ui"`
	State     StateFile `mapstructure:"state"`
}

// DataDir is where the state file and log live by default.
func DataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".ftms-bridge")
}

func setDefaults(v *viper.Viper) {
	loop := fusion.DefaultLoopConfig()
	dir := DataDir()

	v.SetDefault("ble.enabled", false)
	v.SetDefault("ble.device_name", DefaultDeviceName)
	v.SetDefault("ble.manufacturer", "Grupetto")
	v.SetDefault("ble.model", "FTMS Bridge")
	v.SetDefault("ble.hardware_revision", "")
	v.SetDefault("ble.firmware_revision", "")
	v.SetDefault("ble.software_revision", "1.0")
	v.SetDefault("gatt.max_notify_failures", 5)
	v.SetDefault("fusion.tick_interval", loop.TickInterval)
	v.SetDefault("fusion.window_size", loop.WindowSize)
	v.SetDefault("fusion.outlier_threshold", loop.OutlierThreshold)
	v.SetDefault("fusion.alpha.power", loop.PowerAlpha)
	v.SetDefault("fusion.alpha.cadence", loop.CadenceAlpha)
	v.SetDefault("fusion.alpha.resistance", loop.ResistanceAlpha)
	v.SetDefault("fusion.alpha.speed", loop.SpeedAlpha)
	v.SetDefault("fusion.wheel_circumference", loop.WheelCircumferenceMeters)
	v.SetDefault("fusion.derive_speed_from_power", loop.DeriveSpeedFromPower)
	v.SetDefault("sensor.source", SourceSimulated)
	v.SetDefault("sensor.interval", 100*time.Millisecond)
	v.SetDefault("mqtt.broker", "localhost:1883")
	v.SetDefault("mqtt.client_id", "ftms-bridge")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.sample_topic", "ftms-bridge/samples")
	v.SetDefault("mqtt.telemetry_topic", "")
	v.SetDefault("http.listen", "127.0.0.1:9901")
	v.SetDefault("ble_sensor.address", "")
	v.SetDefault("ble_sensor.scan_timeout", 10*time.Second)
	v.SetDefault("log.file", filepath.Join(dir, "ftms-bridge.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("ui.mode", UIConsole)
	v.SetDefault("state.file", filepath.Join(dir, "state.yaml"))
}

// NewFlagSet declares the command line flags. Flag names are the setting keys.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("env-file", ".env", "path to a .env file (ignored when missing)")
	fs.Bool("ble.enabled", false, "enable the BLE server on a fresh state file")
	fs.String("ble.device_name", DefaultDeviceName, "advertised device name on a fresh state file")
	fs.String("sensor.source", SourceSimulated, "sample source: simulated, mqtt, http or ble")
	fs.Duration("fusion.tick_interval", fusion.DefaultLoopConfig().TickInterval, "fusion tick interval")
	fs.String("mqtt.broker", "localhost:1883", "MQTT broker address")
	fs.String("mqtt.telemetry_topic", "", "MQTT topic prefix for telemetry (empty disables)")
	fs.String("http.listen", "127.0.0.1:9901", "listen address of the manual sensor panel")
	fs.String("ble_sensor.address", "", "address of the upstream power meter (empty: first found)")
	fs.String("log.file", filepath.Join(DataDir(), "ftms-bridge.log"), "log file path")
	fs.String("ui.mode", UIConsole, "user interface: console, dashboard or headless")
	fs.String("state.file", filepath.Join(DataDir(), "state.yaml"), "path of the persisted state file")
	return fs
}

// Load parses args and merges every configuration layer into Settings.
func Load(args []string) (*Settings, error) {
	flags := NewFlagSet("ftms-bridge")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "env-file" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the bridge cannot run with.
func (s *Settings) Validate() error {
	if !slices.Contains([]string{SourceSimulated, SourceMQTT, SourceHTTP, SourceBLE}, s.Sensor.Source) {
		return fmt.Errorf("%w: sensor.source %q", ErrInvalidSetting, s.Sensor.Source)
	}
	if !slices.Contains([]string{UIConsole, UIDashboard, UIHeadless}, s.UI.Mode) {
		return fmt.Errorf("%w: ui.mode %q", ErrInvalidSetting, s.UI.Mode)
	}
	if s.Fusion.TickInterval <= 0 {
		return fmt.Errorf("%w: fusion.tick_interval must be positive", ErrInvalidSetting)
	}
	if s.Fusion.WindowSize < fusion.MinWindowSize {
		return fmt.Errorf("%w: fusion.window_size must be at least %d", ErrInvalidSetting, fusion.MinWindowSize)
	}
	if s.Fusion.OutlierThreshold <= 0 {
		return fmt.Errorf("%w: fusion.outlier_threshold must be positive", ErrInvalidSetting)
	}
	alphas := map[string]float64{
		"power":      s.Fusion.Alpha.Power,
		"cadence":    s.Fusion.Alpha.Cadence,
		"resistance": s.Fusion.Alpha.Resistance,
		"speed":      s.Fusion.Alpha.Speed,
	}
	for name, a := range alphas {
		if a < 0 || a > 1 {
			return fmt.Errorf("%w: fusion.alpha.%s must be in [0, 1]", ErrInvalidSetting, name)
		}
	}
	if s.Fusion.WheelCircumference <= 0 {
		return fmt.Errorf("%w: fusion.wheel_circumference must be positive", ErrInvalidSetting)
	}
	if s.Sensor.Source == SourceMQTT && s.MQTT.SampleTopic == "" {
		return fmt.Errorf("%w: mqtt.sample_topic is required for the mqtt source", ErrInvalidSetting)
	}
	return nil
}
