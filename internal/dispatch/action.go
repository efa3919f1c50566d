package dispatch

import (
	"fmt"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

// The closed set of commands a device understands. Unknown actions and
// parameter combinations that make no sense for the action are rejected at
// the dispatch boundary rather than forwarded as an open bag of fields.
const (
	ActionStartMotor  = "start_motor"
	ActionStopMotor   = "stop_motor"
	ActionAdjustSpeed = "adjust_speed"
	ActionRunCycle    = "run_cycle"
)

// ValidateAction checks the action identifier and its parameter shape.
func ValidateAction(action string, params model.ActionParameters) error {
	switch action {
	case ActionStartMotor, ActionStopMotor:
		if params.Speed != nil || params.Duration != nil || params.Temperature != nil {
			return fmt.Errorf("%w: %s takes no parameters", store.ErrInvalidInput, action)
		}
	case ActionAdjustSpeed:
		if params.Speed == nil {
			return fmt.Errorf("%w: adjust_speed requires speed", store.ErrInvalidInput)
		}
		if *params.Speed < 0 || *params.Speed > 255 {
			return fmt.Errorf("%w: speed must be 0-255", store.ErrInvalidInput)
		}
		if params.Duration != nil || params.Temperature != nil {
			return fmt.Errorf("%w: adjust_speed only takes speed", store.ErrInvalidInput)
		}
	case ActionRunCycle:
		if params.Speed != nil {
			return fmt.Errorf("%w: run_cycle does not take speed", store.ErrInvalidInput)
		}
		if params.Duration != nil && *params.Duration <= 0 {
			return fmt.Errorf("%w: duration must be positive", store.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", store.ErrInvalidInput, action)
	}
	return nil
}
