package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/scheduler"
	"github.com/rendis/budpipeline/internal/store"
)

func Health(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := st.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

type tickResponse struct {
	Scheduler scheduler.TickResult `json:"scheduler"`
	Sweep     engine.SweepResult   `json:"sweep"`
}

// Tick polls due cron triggers and sweeps timeouts once. It lets an
// external scheduler drive the process instead of the internal loops.
func Tick(sched *scheduler.Scheduler, exec engine.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var resp tickResponse
		if sched != nil {
			res, err := sched.Tick(ctx)
			if err != nil {
				return err
			}
			resp.Scheduler = res
		}
		sweep, err := exec.SweepTimeouts(ctx)
		if err != nil {
			return err
		}
		resp.Sweep = sweep
		return c.JSON(http.StatusOK, resp)
	}
}
