package wsgateway

import "errors"

// server errors
var (
	ErrAlreadyActive = errors.New("wsgateway: already active")
	ErrStartFailed   = errors.New("wsgateway: start failed")
)
