//go:build !windows

package progress

import "os"

// enableANSI is a no-op; Unix terminals support escape sequences natively.
func enableANSI(f *os.File) {}
