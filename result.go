package sagaflow

import "maps"

// Result is the uniform outcome of Operation.Execute.
//
// A Result can only be built through Success or Failure and is immutable
// afterwards: Data returns a copy, so callers cannot change what the
// operation reported.
//
// Expected failures (business rule violations, insufficient resources) are
// reported as a failed Result. Only truly unrecoverable conditions are
// returned as an error next to the Result.
type Result struct {
	success bool
	message string
	data    map[string]any
}

// Success builds a successful result. data may be nil.
func Success(message string, data map[string]any) Result {
	return Result{success: true, message: message, data: maps.Clone(data)}
}

// Failure builds a failed result. data may be nil.
func Failure(message string, data map[string]any) Result {
	return Result{success: false, message: message, data: maps.Clone(data)}
}

// IsSuccess reports whether the operation succeeded.
func (r Result) IsSuccess() bool { return r.success }

// IsFailure reports whether the operation failed.
func (r Result) IsFailure() bool { return !r.success }

// Message returns the human readable outcome.
func (r Result) Message() string { return r.message }

// Get returns the value stored under key, or def when absent.
func (r Result) Get(key string, def any) any {
	if v, ok := r.data[key]; ok {
		return v
	}
	return def
}

// Data returns a copy of the payload.
func (r Result) Data() map[string]any {
	return maps.Clone(r.data)
}

// ToMap returns the result in the shape used for audit records.
func (r Result) ToMap() map[string]any {
	out := map[string]any{
		"success": r.success,
		"message": r.message,
	}
	if len(r.data) > 0 {
		out["data"] = maps.Clone(r.data)
	}
	return out
}
