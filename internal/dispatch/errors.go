package dispatch

import "fmt"

// dispatchError carries the stable caller-facing message for router-level
// failures (unknown action, missing required field).
type dispatchError struct {
	msg string
}

func (e *dispatchError) Error() string { return e.msg }

func errOf(format string, args ...any) error {
	return &dispatchError{msg: fmt.Sprintf(format, args...)}
}

// require fails with "{field} required" for each missing or blank field.
func require(p Params, fields ...string) error {
	for _, field := range fields {
		if p.Str(field) == "" && p.Int64(field) == 0 {
			return errOf("%s required", field)
		}
	}
	return nil
}
