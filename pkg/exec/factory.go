package exec

import "fmt"

// ForName resolves the execution_mode string from a Production document
// to a concrete Strategy.
func ForName(mode string) (Strategy, error) {
	switch mode {
	case "", "cooperative":
		return Cooperative{}, nil
	case "threaded":
		return Threaded{}, nil
	case "multi_process":
		return MultiProcess{}, nil
	case "single":
		return Single{}, nil
	default:
		return nil, fmt.Errorf("exec: unknown execution_mode %q", mode)
	}
}
