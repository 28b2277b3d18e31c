//go:build !unix

package dhcpsvc

import "os"

// lockJournalFile is a no-op on non-Unix systems, which lack flock(2).
func lockJournalFile(_ *os.File) (err error) {
	return nil
}
