package safe

import (
	"IMDeliver/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic, so a misbehaving
// handler cannot take the whole node down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r))
			}
		}()
		f()
	}()
}
