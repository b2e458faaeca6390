package signal

import "fmt"

func errInvalidAction(a Action) error {
	return fmt.Errorf("signal: invalid action %q", a)
}

func errMissingContent() error {
	return fmt.Errorf("signal: at least one of reason or final_raw_output must be non-empty")
}

func errMissingRoleOpinions() error {
	return fmt.Errorf("signal: role_opinions must be non-empty unless error_text is set")
}
