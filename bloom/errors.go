package bloom

import "fmt"

// ConfigError is returned when a filter is built from invalid parameters.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// IndexError is the panic value raised when a bit index outside [0, Len) is
// used. It indicates a defect in the caller, never a runtime condition.
type IndexError struct {
	Index uint64
	Len   uint64
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("bit index %d out of range [0, %d)", e.Index, e.Len)
}
