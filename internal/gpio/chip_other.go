// SPDX-License-Identifier: MIT

//go:build !linux

package gpio

import "fmt"

// OpenChip is only available on Linux; other platforms must run with
// the mock backend.
func OpenChip(path string) (Backend, error) {
	return nil, fmt.Errorf("gpio: gpiochip backend requires linux (requested %s)", path)
}
