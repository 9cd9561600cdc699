package common

import (
	"errors"
	"fmt"
)

// ErrModulePaused is returned by Guard when the module's pause flag is set.
var ErrModulePaused = errors.New("module paused")

// PauseView reports the administrative pause flag of a module.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects work for a paused module. A nil view or empty module name
// never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}
