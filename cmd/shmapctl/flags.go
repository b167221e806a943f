package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
)

// datasizeFlag parses a human-legible byte size (e.g. "64KB") the same
// way Config's YAML fields do, via datasize.ByteSize's TextUnmarshaler.
type datasizeFlag struct {
	value datasize.ByteSize
}

func (d *datasizeFlag) parse(s string) error {
	if err := d.value.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	return nil
}
