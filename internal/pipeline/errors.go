package pipeline

import (
	"fmt"

	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
)

// KillSwitchHaltError ends the session: the kill switch refused the batch
type KillSwitchHaltError struct {
	Status        killswitch.Status
	TriggerReason string
}

func (e *KillSwitchHaltError) Error() string {
	if e.TriggerReason == "" {
		return fmt.Sprintf("%s: status=%s", killswitch.ReasonTriggered, e.Status)
	}
	return fmt.Sprintf("%s: status=%s trigger=%s", killswitch.ReasonTriggered, e.Status, e.TriggerReason)
}

// Category implements errors.Categorized
func (e *KillSwitchHaltError) Category() guarderrors.ErrorCategory {
	return guarderrors.ErrorCategoryKillSwitch
}
