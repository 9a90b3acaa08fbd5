package scope

import (
	"errors"
	"fmt"
)

// ErrMissingFactory reports that the interceptor was configured without a
// resource factory. This is a configuration error, surfaced immediately and
// never retried.
var ErrMissingFactory = errors.New("scope: no factory configured")

// AcquisitionError reports that the factory failed to open the underlying
// resource. When it is returned, no binding exists and no counter was
// touched.
type AcquisitionError struct {
	Key Key
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("scope: could not open resource for %s: %v", e.Key, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
