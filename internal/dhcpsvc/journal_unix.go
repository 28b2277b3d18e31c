//go:build unix

package dhcpsvc

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// lockJournalFile takes a non-blocking exclusive advisory lock on f, so that
// two [DHCPServer] processes can't append to the same journal at once.  It
// returns [errJournalLocked] if the file is already locked.
func lockJournalFile(f *os.File) (err error) {
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errJournalLocked
	} else if err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	return nil
}
