// Package scheduler runs periodic background work for the analytics service.
package scheduler

import "errors"

// ErrInvalidConfig is returned when configuration is invalid
var ErrInvalidConfig = errors.New("invalid scheduler configuration")
