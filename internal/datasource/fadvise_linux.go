//go:build linux

package datasource

import (
	"os"

	"golang.org/x/sys/unix"
)

// fadviseSequential tells the kernel the whole file will be read front to
// back, which roughly doubles the readahead window on Linux.
func fadviseSequential(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
