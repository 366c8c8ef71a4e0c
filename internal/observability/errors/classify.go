// Package errors normalises errors into short class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/taskqueue/internal/domain/model"
)

// sentinelClasses maps well-known sentinels to stable names. Checked before type inspection.
var sentinelClasses = []struct {
	err   error
	class string
}{
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
	{model.ErrMalformedTask, "malformed_task"},
	{model.ErrTaskNotFound, "task_not_found"},
	{model.ErrBlobNotFound, "blob_not_found"},
}

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Known sentinels get fixed names; anything else is named after its innermost concrete type.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range sentinelClasses {
		if goerrors.Is(err, s.err) {
			return s.class
		}
	}

	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
