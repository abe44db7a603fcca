package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

// statusCategory maps an HTTP status from a backend API onto the error
// taxonomy. Rate limits and 5xx responses are worth retrying, a missing
// model is a resource problem the caller can fall back around, and the
// rest of the 4xx range means the request itself is bad.
func statusCategory(status int) types.ErrorCategory {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return types.CategoryTransient
	case status >= http.StatusInternalServerError:
		return types.CategoryTransient
	case status == http.StatusNotFound:
		return types.CategoryResource
	default:
		return types.CategoryFatal
	}
}

// apiError builds a categorized error from a non-2xx response. The body
// can carry a stronger signal than the status line: a 500 whose body
// says the GPU ran out of memory is a resource failure, not a transient
// one.
func apiError(op string, status int, body string) *types.KernelError {
	category := statusCategory(status)
	body = strings.TrimSpace(body)
	if body != "" && types.ClassifyError(errors.New(body)) == types.CategoryResource {
		category = types.CategoryResource
	}
	msg := fmt.Sprintf("status %d", status)
	if body != "" {
		msg = fmt.Sprintf("status %d: %s", status, body)
	}
	return types.NewError(category, op, msg)
}

// wrapErr categorizes a transport-level failure by content. Errors that
// already carry a category pass through unchanged.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var kerr *types.KernelError
	if errors.As(err, &kerr) {
		return err
	}
	return types.WrapError(types.ClassifyError(err), op, err)
}
