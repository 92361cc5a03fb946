package decoder

import "errors"

var (
	// ErrConfig marks an invalid block geometry, rejected at construction.
	ErrConfig = errors.New("invalid decoder configuration")

	// ErrShape marks a tensor whose dimensions disagree with the configured
	// geometry. Raised before any computation touches the data.
	ErrShape = errors.New("shape mismatch")

	// ErrNumeric marks NaN/Inf values found by the optional diagnostic scan.
	ErrNumeric = errors.New("non-finite values in forward pass")
)
