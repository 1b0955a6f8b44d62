// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds bearer tokens and payload keys in memory mapped
// outside the Go heap, so the garbage collector never copies them and
// Close can reliably wipe them.
//
// Pages are mlocked and excluded from core dumps where the kernel
// allows it. Both are best effort: a process over its RLIMIT_MEMLOCK
// still gets a working Buffer, and Locked reports the outcome.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when constructing a Buffer from no data.
var ErrEmpty = errors.New("secret: empty value")

// Buffer is a fixed-size secret. The zero value is not usable; build
// one with NewFromBytes or NewFromString. Reads after Close panic.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	size   int
	locked bool
	closed bool
}

func allocate(size int) (*Buffer, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap %d bytes: %w", size, err)
	}
	buffer := &Buffer{region: region, size: size}
	if unix.Mlock(region) == nil {
		buffer.locked = true
	}
	_ = unix.Madvise(region, unix.MADV_DONTDUMP)
	return buffer, nil
}

// NewFromBytes copies source into protected memory and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, ErrEmpty
	}
	buffer, err := allocate(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	Zero(source)
	return buffer, nil
}

// NewFromString copies value into protected memory. The string itself
// stays on the heap; use it only where the value already arrived as a
// string (JSON response fields, flags).
func NewFromString(value string) (*Buffer, error) {
	return NewFromBytes([]byte(value))
}

// Bytes returns a view into the protected region. The slice is invalid
// after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region[:b.size]
}

// String returns a heap copy for APIs that require a string, such as
// an Authorization header value.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the secret's size in bytes.
func (b *Buffer) Len() int { return b.size }

// Locked reports whether the pages were pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Close wipes and unmaps the region. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.region)
	if b.locked {
		_ = unix.Munlock(b.region)
	}
	err := unix.Munmap(b.region)
	b.region = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
