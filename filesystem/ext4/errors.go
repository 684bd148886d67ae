package ext4

import "errors"

// Error taxonomy for every public operation in this package. Callers
// should compare with errors.Is rather than type assertions; wrapping
// with fmt.Errorf("...: %w", ErrX) is expected at call sites that add
// context.
var (
	ErrInvalidMagic  = errors.New("invalid ext4 magic number")
	ErrInvalidState  = errors.New("invalid filesystem state")
	ErrInodeNotFound = errors.New("inode not found")
	ErrBlockNotFound = errors.New("block not found")
	ErrInvalidPath   = errors.New("invalid path")
	ErrFileExists    = errors.New("file already exists")
	ErrDirNotEmpty   = errors.New("directory not empty")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsADirectory  = errors.New("is a directory")
	ErrInvalidInput  = errors.New("invalid input")
	ErrIO            = errors.New("i/o error")
	ErrNoSpaceLeft   = errors.New("no space left on device")
	ErrReadOnly      = errors.New("read-only filesystem")
	ErrInvalidArg    = errors.New("invalid argument")
	ErrNotSupported  = errors.New("operation not supported")
)
