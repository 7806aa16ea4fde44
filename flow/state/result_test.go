package state

import "errors"

// errInvalid is shared across tests as a canonical handler failure.
var errInvalid = errors.New("invalid")
