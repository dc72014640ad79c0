package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/config"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/console"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/dashboard"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/logging"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/mqttconn"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/sensor"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/telemetry"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	settings, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	must("load configuration", err)

	var (
		consoleOut io.Writer
		rlWriter   *logging.ReadlineWriter
		logLines   *logging.ChannelWriter
	)
	switch settings.UI.Mode {
	case config.UIConsole:
		rlWriter = logging.NewReadlineWriter(os.Stderr)
		consoleOut = rlWriter
	case config.UIDashboard:
		logLines = logging.NewChannelWriter(256)
		consoleOut = logLines
	default:
		consoleOut = os.Stderr
	}
	logger, closeLog := logging.New(logging.Options{
		File:       settings.Log.File,
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAgeDays: settings.Log.MaxAgeDays,
		Compress:   settings.Log.Compress,
	}, consoleOut)
	defer closeLog()

	store, err := config.OpenStore(settings.State.File, config.State{
		Enabled:    settings.BLE.Enabled,
		DeviceName: settings.BLE.DeviceName,
	}, logger)
	must("open state file", err)
	defer store.Close()

	peripheral := bt.NewPeripheral(adapter, logger)
	must("enable BLE stack", peripheral.Enable())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := fusion.NewLoop(settings.Fusion.LoopConfig(), logger)
	source := newSource(settings, logger)
	server := gatt.NewServer(gatt.NewServerArgs{
		Peripheral: peripheral,
		Loop:       loop,
		Source:     source,
		Identity:   bridge.IdentityFrom(store),
		DeviceInfo: gatt.DeviceInfo{
			Manufacturer:     settings.BLE.Manufacturer,
			Model:            settings.BLE.Model,
			HardwareRevision: settings.BLE.HardwareRevision,
			FirmwareRevision: settings.BLE.FirmwareRevision,
			SoftwareRevision: settings.BLE.SoftwareRevision,
		},
		MaxNotifyFailures: settings.GATT.MaxNotifyFailures,
		Logger:            logger,
	})

	if settings.MQTT.TelemetryTopic != "" {
		publisher := telemetry.NewPublisher(mqttConfig(settings, "telemetry"), settings.MQTT.TelemetryTopic, logger)
		if err := publisher.Start(ctx); err != nil {
			logger.Printf("main: telemetry disabled: %v", err)
		} else {
			defer publisher.Stop()
			loop.AddSink(publisher)
			server.ListenToState(publisher.PublishServerState)
			server.FTMS().ListenToMachineStatus(publisher.PublishMachineStatus)
		}
	}

	controller := bridge.NewController(bridge.NewControllerArgs{
		Server: server,
		Loop:   loop,
		Store:  store,
		Source: source,
		Logger: logger,
	})
	defer controller.Close()

	switch settings.UI.Mode {
	case config.UIConsole:
		runConsole(ctx, cancel, controller, rlWriter, logger)
	case config.UIDashboard:
		runDashboard(ctx, controller, logLines, logger)
	default:
		logger.Println("main: running headless, interrupt to exit")
		<-ctx.Done()
	}
	logger.Println("main: shutting down")
}

func newSource(settings *config.Settings, logger *log.Logger) sensor.Source {
	switch settings.Sensor.Source {
	case config.SourceMQTT:
		return sensor.NewMQTTSource(mqttConfig(settings, "samples"), settings.MQTT.SampleTopic, logger)
	case config.SourceHTTP:
		return sensor.NewManualSource(settings.HTTP.Listen, settings.Sensor.Interval, logger)
	case config.SourceBLE:
		return bt.NewPowerMeterSource(adapter, settings.BLESensor.Address, settings.BLESensor.ScanTimeout, logger)
	default:
		return sensor.NewSimulatedSource(settings.Sensor.Interval, logger)
	}
}

// mqttConfig gives each client its own id so the feed and telemetry can share a broker.
func mqttConfig(settings *config.Settings, role string) mqttconn.Config {
	return mqttconn.Config{
		Broker:   settings.MQTT.Broker,
		ClientID: fmt.Sprintf("%s-%s", settings.MQTT.ClientID, role),
		Username: settings.MQTT.Username,
		Password: settings.MQTT.Password,
	}
}

func runConsole(ctx context.Context, cancel context.CancelFunc, controller *bridge.Controller, rlWriter *logging.ReadlineWriter, logger *log.Logger) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "ftms> ",
		HistoryFile: console.HistoryFile(),
	})
	must("start console", err)
	rlWriter.SetReadline(rl)
	defer func() {
		rlWriter.SetReadline(nil)
		_ = rl.Close()
	}()

	c := console.New(controller, rl.Stdout(), logger)
	go_func_utils.SafeGo(logger, func() { c.Run(ctx, cancel, rl) })
	<-ctx.Done()
}

func runDashboard(ctx context.Context, controller *bridge.Controller, logLines *logging.ChannelWriter, logger *log.Logger) {
	app := tview.NewApplication()
	model := dashboard.NewModel(controller.Snapshot, logLines.Lines(), dashboard.DefaultRefreshInterval, logger)
	view := dashboard.NewView(app, model, dashboard.NewController(model, controller, logger), logger)

	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		app.Stop()
	})
	err := view.Run()
	view.Shutdown()
	model.Shutdown()
	must("run dashboard", err)
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
