package docker

import "errors"

// ErrNotRunning indicates the expected container is absent from the running
// list.
var ErrNotRunning = errors.New("docker: container not running")
