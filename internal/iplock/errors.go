package iplock

import "fmt"

func wrapErrf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
