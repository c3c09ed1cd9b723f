package sink

import (
	"context"
	"fmt"
	"os"

	"github.com/ponytojas/water-sensor-sim/internal/models"
)

// File appends one line per tick to a file. The file is opened and
// closed around every write so no handle outlives an Emit call.
type File struct {
	path   string
	format Format
}

// NewFile checks that path can be opened for appending, creating it if
// needed, and returns a sink writing to it.
func NewFile(path string, format Format) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("cannot close output file: %w", err)
	}
	return &File{path: path, format: format}, nil
}

func (f *File) Name() string { return "file:" + f.path }

func (f *File) Emit(_ context.Context, b models.Batch) (err error) {
	line, err := Encode(f.format, b)
	if err != nil {
		return IOFailure(f.Name(), err)
	}

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return IOFailure(f.Name(), err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = IOFailure(f.Name(), cerr)
		}
	}()

	if f.format == FormatCSV {
		info, err := fh.Stat()
		if err != nil {
			return IOFailure(f.Name(), err)
		}
		if info.Size() == 0 {
			h, err := Header(f.format, b)
			if err != nil {
				return IOFailure(f.Name(), err)
			}
			line = append(h, line...)
		}
	}

	if _, err := fh.Write(line); err != nil {
		return IOFailure(f.Name(), err)
	}
	return nil
}

func (f *File) Close() error { return nil }
