package util

import (
	"os"

	"github.com/go-i2p/logger"
)

// UserHome returns the current user's home directory. It falls back to
// $HOME, then %USERPROFILE%, then the working directory, so the client can
// start in containers without a passwd entry.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if home := os.Getenv(env); home != "" {
			log.WithFields(logger.Fields{
				"at":       "UserHome",
				"fallback": env,
			}).WithError(err).Warn("os.UserHomeDir failed")
			return home
		}
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithFields(logger.Fields{
			"at":       "UserHome",
			"fallback": "working directory",
		}).WithError(err).Warn("os.UserHomeDir failed")
		return wd
	}
	panic("go-onionreq: unable to determine home directory; set $HOME")
}
