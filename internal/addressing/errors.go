package addressing

import "errors"

// ErrSetupProtocol is returned when a frame received while awaiting a touch
// is not the setup_ready signal the procedure expects.
var ErrSetupProtocol = errors.New("addressing: expected setup_ready response")

// ErrInvalidAddress is returned when the manual-mode prompt chooses an
// address outside the 1..118 range the procedure assigns within.
var ErrInvalidAddress = errors.New("addressing: address out of range 1..118")
