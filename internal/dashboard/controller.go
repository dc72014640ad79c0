package dashboard

import (
	"log"
)

// Bridge is the part of the bridge the dashboard keys drive.
type Bridge interface {
	Start() error
	Stop() error
	Toggle() error
}

// Controller handles dashboard key presses.
type Controller struct {
	model  *Model
	bridge Bridge
	logger *log.Logger
}

func NewController(model *Model, b Bridge, logger *log.Logger) *Controller {
	if model == nil {
		panic("DashboardController: model cannot be nil")
	}
	if b == nil {
		panic("DashboardController: bridge cannot be nil")
	}
	if logger == nil {
		panic("DashboardController: logger cannot be nil")
	}
	return &Controller{model: model, bridge: b, logger: logger}
}

func (c *Controller) StartBridge() {
	c.run("start", c.bridge.Start)
}

func (c *Controller) StopBridge() {
	c.run("stop", c.bridge.Stop)
}

func (c *Controller) ToggleBridge() {
	c.run("toggle", c.bridge.Toggle)
}

func (c *Controller) run(action string, fn func() error) {
	if err := fn(); err != nil {
		c.logger.Printf("Dashboard: %s failed: %v", action, err)
	}
	c.model.Refresh()
}

// OnEscapeKey asks the application to close.
func (c *Controller) OnEscapeKey() {
	c.model.RequestCloseApplication()
}
