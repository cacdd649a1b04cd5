// Package paths holds the filesystem boundary checks shared by module
// discovery and the sandbox import resolver.
//
// A Root is a canonical module directory. Every path a module may touch is
// checked twice: lexically, and again after symlinks are followed.
//
//	root, err := paths.NewRoot("modules/status")
//	real, err := root.Resolve("lib/format.js")
//	if errors.Is(err, paths.ErrOutsideRoot) {
//	    // refuse to load
//	}
package paths
