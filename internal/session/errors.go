package session

import "errors"

// ErrNotReady is returned by operational calls while the session is not
// Started. The caller must Start() first; nothing is attempted.
var ErrNotReady = errors.New("session not ready")

// ErrClosed is returned once the controller has been closed for good.
var ErrClosed = errors.New("controller closed")
