//go:build windows

package resolver

import "os"

// Windows has no execute bit; existence is enough.
func isExecutable(fi os.FileInfo) bool { return fi.Mode().IsRegular() }
