package eval

import "fmt"

// PreconditionError reports that a pipeline stage was invoked before the
// stage it depends on. The error names the missing prerequisite and the
// call that provides it.
type PreconditionError struct {
	Missing string
	Call    string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s; call %s first", e.Missing, e.Call)
}

// GeometryMismatchError reports input files whose shapes disagree with the
// signal volume. Mismatches are fatal and surface at load time, never
// silently coerced.
type GeometryMismatchError struct {
	What string
	Want string
	Got  string
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("%s does not match the signal volume: want %s, got %s", e.What, e.Want, e.Got)
}

// ModelConsistencyError reports a kernel set generated by a different
// model than the one being fitted.
type ModelConsistencyError struct {
	KernelModel string
	ActiveModel string
}

func (e *ModelConsistencyError) Error() string {
	return fmt.Sprintf("response functions were generated by model %q, active model is %q",
		e.KernelModel, e.ActiveModel)
}
