package app

import "github.com/quangdng/notifeed/pkg/logger"

// ConfigureLogging initialises the global logger at the given level.
func ConfigureLogging(level string) error {
	return logger.Init(level)
}
