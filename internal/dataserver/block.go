// SPDX-License-Identifier: MIT
package dataserver

import (
	"errors"
	"fmt"
	"os"

	"fftserver/internal/cache"
)

// cacheBlock is one fixed-width partition of a server's columns, backed
// either by a memory cache or by a file with its writer. File readers
// belong to ReadContexts, not to the block.
type cacheBlock struct {
	index int
	width int

	memory *cache.MemoryCache
	writer *cache.FileWriter
}

// newMemoryBlock is a variable so tests can fail memory allocation.
var newMemoryBlock = func(index int, t cache.StorageType, width, height int) (*cacheBlock, error) {
	m, err := cache.NewMemoryCache(t, width, height)
	if err != nil {
		return nil, err
	}
	return &cacheBlock{index: index, width: width, memory: m}, nil
}

func newFileBlock(index int, path string, t cache.StorageType, width, height int, autoClose bool) (*cacheBlock, error) {
	w, err := cache.CreateFileWriter(path, t, width, height, autoClose)
	if err != nil {
		return nil, err
	}
	return &cacheBlock{index: index, width: width, writer: w}, nil
}

func (b *cacheBlock) inMemory() bool { return b.memory != nil }

func (b *cacheBlock) columnWriter() cache.ColumnWriter {
	if b.memory != nil {
		return b.memory
	}
	return b.writer
}

func (b *cacheBlock) path() string {
	if b.writer == nil {
		return ""
	}
	return b.writer.Path()
}

// destroy closes the writer and removes the block's file. Memory blocks
// are left to the collector since readers may still hold them.
func (b *cacheBlock) destroy() error {
	if b.writer == nil {
		return nil
	}
	err := b.writer.Close()
	if rmErr := os.Remove(b.writer.Path()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("remove %s: %w", b.writer.Path(), rmErr))
	}
	return err
}
