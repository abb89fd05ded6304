// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// readLines calls line for each non-blank newline-terminated line of
// r, trimmed of surrounding whitespace. The slice is only valid for
// the duration of the call. A line longer than maxLine is skipped
// whole and reported to oversized with its length; reading continues
// with the line after it. readLines returns nil at EOF and the read
// error otherwise.
func readLines(r io.Reader, bufferSize, maxLine int, line func([]byte), oversized func(size int)) error {
	reader := bufio.NewReaderSize(r, bufferSize)
	var pending []byte
	skipping := false
	skipped := 0
	for {
		fragment, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			switch {
			case skipping:
				skipped += len(fragment)
			case len(pending)+len(fragment) > maxLine:
				skipping = true
				skipped = len(pending) + len(fragment)
				pending = pending[:0]
			default:
				pending = append(pending, fragment...)
			}
			continue
		}

		switch {
		case skipping:
			oversized(skipped + len(fragment))
			skipping = false
			skipped = 0
		default:
			full := fragment
			if len(pending) > 0 {
				pending = append(pending, fragment...)
				full = pending
			}
			if len(full) > maxLine {
				oversized(len(full))
			} else if trimmed := bytes.TrimSpace(full); len(trimmed) > 0 {
				line(trimmed)
			}
			pending = pending[:0]
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
