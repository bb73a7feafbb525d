package encoder

import "syscall"

func exitSignal() syscall.Signal {
	return syscall.SIGTERM
}
