package archive

import (
	"errors"
	"syscall"
)

// isCrossDevice reports whether err is the EXDEV os.Rename returns when
// src and dest sit on different filesystems.
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
