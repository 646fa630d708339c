package timebeat

import "fmt"

// Outcome classifies the result of a toggle.
type Outcome int

const (
	OutcomeNotLoaded Outcome = iota
	OutcomeEnabled
	OutcomeDisabled
	OutcomeNotFound
	OutcomeSaveFailed
	OutcomeInvalidClass
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnabled:
		return "ENABLED"
	case OutcomeDisabled:
		return "DISABLED"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeSaveFailed:
		return "save_failed"
	case OutcomeInvalidClass:
		return "invalid_class"
	default:
		return "not_loaded"
	}
}

// ToggleResult is the outcome of ToggleProtocol together with the inputs it
// was computed for.
type ToggleResult struct {
	Outcome  Outcome
	Protocol string
	Class    ClockClass
	Err      error
}

// String renders the operator-facing message.
func (r ToggleResult) String() string {
	switch r.Outcome {
	case OutcomeEnabled, OutcomeDisabled:
		return fmt.Sprintf("Protocol %s %s in %s clocks", upper(r.Protocol), r.Outcome, r.Class)
	case OutcomeNotFound:
		return fmt.Sprintf("Protocol %s not found in %s clocks", r.Protocol, r.Class)
	case OutcomeSaveFailed:
		return "Failed to save configuration"
	case OutcomeInvalidClass:
		return fmt.Sprintf("Invalid clock class: %s (expected primary or secondary)", r.Class)
	default:
		return NotLoadedMessage
	}
}
