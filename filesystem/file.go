package filesystem

import (
	"io"
	"io/fs"
)

// File is a reference to a single open file on a mounted filesystem.
type File interface {
	fs.ReadDirFile
	io.Writer
	io.Seeker
}
