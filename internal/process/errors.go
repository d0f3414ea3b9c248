package process

import "errors"

var (
	// ErrSpawnFailed means the OS refused to allocate a terminal or start the program.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrProcessDead means the child has exited or its input is closed.
	ErrProcessDead = errors.New("process is dead")
)
