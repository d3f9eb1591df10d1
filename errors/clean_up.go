package errors

import (
	"context"
	"fmt"
)

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//	func rotate(ctx context.Context) (err error) {
//		tx, err := store.Begin(ctx)
//		if err != nil { ... }
//		defer errors.CleanUp(tx.End, &err)
//		...
//	}
//
// If the caller returns with its own error, any error from cleanUp will be chained.
func CleanUp(cleanUp func() error, dst *error) {
	addErr(cleanUp(), dst)
}

// CleanUpCtx is CleanUp for a context-ful cleanUp.
func CleanUpCtx(ctx context.Context, cleanUp func(context.Context) error, dst *error) {
	addErr(cleanUp(ctx), dst)
}

func addErr(err2 error, dst *error) {
	if err2 == nil {
		return
	}
	if *dst == nil {
		*dst = err2
		return
	}
	// *dst keeps its own cause; err2 is only recorded in the message.
	*dst = E(*dst, fmt.Sprintf("second error in cleanup: %v", err2))
}
