package dhcpsvc

import "github.com/AdguardTeam/golibs/errors"

const (
	// errNilConfig is returned when a nil config met.
	errNilConfig errors.Error = "config is nil"

	// errNoInterfaces is returned when no interfaces found in configuration.
	errNoInterfaces errors.Error = "no interfaces specified"

	// errJournalLocked is returned when another process already holds the
	// journal file's advisory lock.
	errJournalLocked errors.Error = "journal is locked by another process"
)
