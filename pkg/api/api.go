package api

import (
	"errors"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/gofiber/fiber/v2"
)

// Session denotes the session operations exposed by the API
type Session interface {
	Status() halo.Status
	Values() halo.Values
	ControlsEnabled() bool
	Message() string
	Selected() (halo.PeripheralRef, bool)
	Resolved() []halo.CharacteristicID
	Peripherals() []halo.PeripheralRef
	NameFilter() string

	StartScan() error
	StopScan() error
	ForceRescan() error
	Select(query string) error
	Connect() error
	Disconnect() error

	CommitVolume(slider int) error
	CommitElevation(index int) error
	CommitQNH(index int) error
	SetDataSource(softRF bool) error
	SetTest(on bool) error
	Flash() error
	ResetToDefaults() error
}

// API denotes a REST API for a peripheral session
type API struct {
	session  Session
	endpoint string
	router   *fiber.App
}

// New instantiates a new API
func New(s Session, endpoint string) *API {

	api := API{
		session:  s,
		endpoint: endpoint,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          handleError,
		}),
	}

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/peripherals", api.handlePeripherals())

	api.router.Post("/scan", api.handleAction(s.StartScan))
	api.router.Post("/scan/stop", api.handleAction(s.StopScan))
	api.router.Post("/rescan", api.handleAction(s.ForceRescan))
	api.router.Post("/select/:query", api.handleSelect())
	api.router.Post("/connect", api.handleAction(s.Connect))
	api.router.Post("/disconnect", api.handleAction(s.Disconnect))

	api.router.Put("/volume", api.handleInt("slider", s.CommitVolume))
	api.router.Put("/elevation", api.handleInt("index", s.CommitElevation))
	api.router.Put("/qnh", api.handleInt("index", s.CommitQNH))
	api.router.Put("/datasource", api.handleBool("softrf", s.SetDataSource))
	api.router.Put("/test", api.handleBool("on", s.SetTest))
	api.router.Post("/flash", api.handleAction(s.Flash))
	api.router.Post("/reset", api.handleAction(s.ResetToDefaults))

	return &api
}

// Listen serves the API until Shutdown is called
func (api *API) Listen() error {
	return api.router.Listen(api.endpoint)
}

// Shutdown gracefully stops serving the API
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

// StatusResponse denotes the session status as presented to clients
type StatusResponse struct {
	State           string              `json:"state"`
	Error           string              `json:"error,omitempty"`
	Peripheral      *PeripheralResponse `json:"peripheral,omitempty"`
	Selected        *PeripheralResponse `json:"selected,omitempty"`
	Uptime          string              `json:"uptime,omitempty"`
	Message         string              `json:"message"`
	ControlsEnabled bool                `json:"controls_enabled"`
	Values          halo.Values         `json:"values"`
	Display         []string            `json:"display"`
	Resolved        []string            `json:"resolved"`
}

// PeripheralResponse denotes a peripheral as presented to clients
type PeripheralResponse struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Label   string `json:"label"`
	Bonded  bool   `json:"bonded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.session.Status()
		values := api.session.Values()

		res := StatusResponse{
			State:           status.State.String(),
			Message:         api.session.Message(),
			ControlsEnabled: api.session.ControlsEnabled(),
			Values:          values,
			Display:         values.Lines(),
			Resolved:        []string{},
		}
		if status.Error != nil {
			res.Error = status.Error.Error()
		}
		if status.Peripheral != nil {
			res.Peripheral = api.peripheral(*status.Peripheral)
		}
		if ref, ok := api.session.Selected(); ok {
			res.Selected = api.peripheral(ref)
		}
		if status.Uptime > 0 {
			res.Uptime = status.Uptime.Truncate(time.Second).String()
		}
		for _, id := range api.session.Resolved() {
			res.Resolved = append(res.Resolved, id.String())
		}

		return c.JSON(res)
	}
}

func (api *API) handlePeripherals() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		res := []*PeripheralResponse{}
		for _, ref := range api.session.Peripherals() {
			res = append(res, api.peripheral(ref))
		}
		return c.JSON(res)
	}
}

func (api *API) handleSelect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.session.Select(c.Params("query")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleAction(fn func() error) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := fn(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleInt(key string, fn func(int) error) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req map[string]*int
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		v, ok := req[key]
		if !ok || v == nil {
			return fiber.NewError(fiber.StatusBadRequest, "missing field `"+key+"`")
		}

		if err := fn(*v); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleBool(key string, fn func(bool) error) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req map[string]*bool
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		v, ok := req[key]
		if !ok || v == nil {
			return fiber.NewError(fiber.StatusBadRequest, "missing field `"+key+"`")
		}

		if err := fn(*v); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) peripheral(ref halo.PeripheralRef) *PeripheralResponse {
	return &PeripheralResponse{
		Address: ref.Address,
		Name:    ref.DisplayName(),
		Label:   ref.Label(api.session.NameFilter()),
		Bonded:  ref.Origin == halo.OriginBonded,
	}
}

func handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, halo.ErrNotReady), errors.Is(err, halo.ErrControlsLocked), errors.Is(err, halo.ErrBusy):
		code = fiber.StatusConflict
	case errors.Is(err, halo.ErrUnknownPeripheral):
		code = fiber.StatusNotFound
	case errors.Is(err, halo.ErrNoPeripheralSelected):
		code = fiber.StatusBadRequest
	case errors.Is(err, halo.ErrCharacteristicUnavailable):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, halo.ErrQueueFull):
		code = fiber.StatusTooManyRequests
	case errors.Is(err, halo.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}
