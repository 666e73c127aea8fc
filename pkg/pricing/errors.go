package pricing

import "errors"

var (
	ErrInvalidRate   = errors.New("pricing: invalid model rate")
	ErrInvalidConfig = errors.New("pricing: invalid calculator config")
	ErrInvalidUsage  = errors.New("pricing: invalid usage")
	ErrUnknownModel  = errors.New("pricing: unknown model")
)
