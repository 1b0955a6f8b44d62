// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxFileSecret bounds how much ReadFile will pull into memory.
const maxFileSecret = 64 << 10

// ReadFile loads a secret from path, or from stdin when path is "-".
// Surrounding whitespace is trimmed.
func ReadFile(path string) (*Buffer, error) {
	var source io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("secret: %w", err)
		}
		defer file.Close()
		source = file
	}

	raw, err := io.ReadAll(io.LimitReader(source, maxFileSecret+1))
	if err != nil {
		Zero(raw)
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	defer Zero(raw)
	if len(raw) > maxFileSecret {
		return nil, fmt.Errorf("secret: %s exceeds %d bytes", path, maxFileSecret)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s: %w", path, ErrEmpty)
	}
	return NewFromBytes(trimmed)
}
