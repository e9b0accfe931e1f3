//go:build !linux

package actuation

import "fmt"

func openLine(pin int) (line, error) {
	return nil, fmt.Errorf("actuation: gpio outputs are only supported on linux")
}
