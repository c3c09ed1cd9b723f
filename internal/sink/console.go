package sink

import (
	"context"
	"io"

	"github.com/ponytojas/water-sensor-sim/internal/models"
)

// Console writes one line per tick to w, normally standard output.
type Console struct {
	w      io.Writer
	format Format
	header bool
}

func NewConsole(w io.Writer, format Format) *Console {
	return &Console{w: w, format: format}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Emit(_ context.Context, b models.Batch) error {
	if !c.header {
		h, err := Header(c.format, b)
		if err != nil {
			return IOFailure(c.Name(), err)
		}
		if _, err := c.w.Write(h); err != nil {
			return IOFailure(c.Name(), err)
		}
		c.header = true
	}
	line, err := Encode(c.format, b)
	if err != nil {
		return IOFailure(c.Name(), err)
	}
	if _, err := c.w.Write(line); err != nil {
		return IOFailure(c.Name(), err)
	}
	return nil
}

func (c *Console) Close() error { return nil }
