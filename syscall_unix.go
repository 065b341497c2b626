//go:build linux || darwin

package tuntap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// osError surfaces privilege failures as os.ErrPermission so callers
// can test for them without reaching for errno values.
func osError(err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%w: %v", os.ErrPermission, err)
	}
	return err
}
