package circuit

import "fmt"

// ConfigurationError reports a structural precondition failure: a model
// capability required for graph factorization is missing, or an experiment
// enum value is unrecognized. These abort a run immediately; no partial
// results are produced.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
