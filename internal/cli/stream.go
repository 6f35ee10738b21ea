package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

// OpenInputs opens every path (or stdin if paths is empty) as a
// flowrecord.Reader, returning the first stream's header as the
// representative header for whatever output the caller produces.
func OpenInputs(paths []string) (readers []flowrecord.Reader, header flowrecord.Header, closeAll func(), err error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	readers = make([]flowrecord.Reader, 0, len(paths))
	for i, p := range paths {
		var f *os.File
		if p == "-" || p == "stdin" {
			f = os.Stdin
		} else {
			f, err = os.Open(p)
			if err != nil {
				return nil, flowrecord.Header{}, nil, fmt.Errorf("open %s: %w", p, err)
			}
		}
		var r flowrecord.Reader
		r, err = flowrecord.OpenReader(f, f)
		if err != nil {
			return nil, flowrecord.Header{}, nil, fmt.Errorf("open stream %s: %w", p, err)
		}
		if i == 0 {
			header = r.Header()
		}
		readers = append(readers, r)
	}
	closeAll = func() {
		for _, r := range readers {
			r.Close()
		}
	}
	return readers, header, closeAll, nil
}

// OpenPlainOutput opens path (or stdout for "", "-", "stdout") as a plain
// io.Writer, for rwbagtool's bag/ipset output (neither is a flowrecord
// stream).
func OpenPlainOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" || path == "stdout" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

// OpenOutput opens path (or stdout for "", "-", "stdout") as a
// flowrecord.Writer.
func OpenOutput(path string) (flowrecord.Writer, func(), error) {
	if path == "" || path == "-" || path == "stdout" {
		w := flowrecord.NewWriter(os.Stdout, nil, flowrecord.IPv6Mix)
		return w, func() { w.Close() }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := flowrecord.NewWriter(f, f, flowrecord.IPv6Mix)
	return w, func() { w.Close() }, nil
}
