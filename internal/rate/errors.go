package rate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLocked marks an identifier or IP that has exhausted its window.
	ErrLocked = errors.New("locked out")
	// ErrRedisUnavailable wraps limiter backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// LockedUntilError is ErrLocked with the remaining lock time attached;
// errors.Is(err, ErrLocked) holds for it.
type LockedUntilError struct {
	Until time.Time
}

func (e *LockedUntilError) Error() string {
	return fmt.Sprintf("locked out until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedUntilError) Is(target error) bool {
	return target == ErrLocked
}
