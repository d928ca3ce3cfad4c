//go:build !unix && !windows

package source

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("source: memory mapping unsupported on this platform")

func mapFile(_ *os.File, _ int) ([]byte, error) { return nil, errNoMmap }

func unmapFile(_ []byte) error { return nil }
