package logbuffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// RawLog is the backing store for a log buffer: three term partitions plus
// a metadata region, all addressable as byte slices. A mapped-file backing
// (NewMappedRawLog) satisfies spec §3's "memory-mapped file" data model; an
// in-memory backing (NewMemoryRawLog) satisfies the same interface for unit
// tests that should not depend on filesystem mmap support.
type RawLog interface {
	// Partition returns the byte slice for partition i (0..PartitionCount-1).
	Partition(i int32) []byte
	// Metadata returns the byte slice for the metadata region.
	Metadata() []byte
	// TermLength returns the configured term length.
	TermLength() int32
	// Close releases the backing resources.
	Close() error
}

// mappedRawLog backs a log buffer with a real mmap'd file, grounded on the
// mmap/munmap pattern used elsewhere in the retrieved pack for page-sized
// ring buffers.
type mappedRawLog struct {
	file       *os.File
	data       []byte
	termLength int32
}

// NewMappedRawLog creates (or truncates) path to LogLength(termLength) bytes
// and maps it MAP_SHARED so writes are visible to any other process that
// maps the same file (the directory convention from spec §6:
// <aeronDir>/publications/<correlationId>.logbuffer).
func NewMappedRawLog(path string, termLength int32) (RawLog, error) {
	if err := ValidateTermLength(termLength); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, driverrors.NewGenericError("logbuffer.newMappedRawLog", 0, err)
	}
	length := LogLength(termLength)
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, driverrors.NewGenericError("logbuffer.newMappedRawLog", 0, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, driverrors.NewGenericError("logbuffer.newMappedRawLog", 0, fmt.Errorf("mmap: %w", err))
	}
	return &mappedRawLog{file: f, data: data, termLength: termLength}, nil
}

func (r *mappedRawLog) Partition(i int32) []byte {
	start := int64(i) * int64(r.termLength)
	return r.data[start : start+int64(r.termLength)]
}

func (r *mappedRawLog) Metadata() []byte {
	start := int64(PartitionCount) * int64(r.termLength)
	return r.data[start : start+MetadataLength]
}

func (r *mappedRawLog) TermLength() int32 { return r.termLength }

func (r *mappedRawLog) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return driverrors.NewGenericError("logbuffer.mappedRawLog.close", 0, err)
	}
	return nil
}

// memoryRawLog backs a log buffer with a plain heap-allocated byte slice,
// for tests that exercise appender/rebuilder/scanner logic without touching
// the filesystem.
type memoryRawLog struct {
	data       []byte
	termLength int32
}

// NewMemoryRawLog allocates an in-memory RawLog of the given term length.
func NewMemoryRawLog(termLength int32) (RawLog, error) {
	if err := ValidateTermLength(termLength); err != nil {
		return nil, err
	}
	return &memoryRawLog{data: make([]byte, LogLength(termLength)), termLength: termLength}, nil
}

func (r *memoryRawLog) Partition(i int32) []byte {
	start := int64(i) * int64(r.termLength)
	return r.data[start : start+int64(r.termLength)]
}

func (r *memoryRawLog) Metadata() []byte {
	start := int64(PartitionCount) * int64(r.termLength)
	return r.data[start : start+MetadataLength]
}

func (r *memoryRawLog) TermLength() int32 { return r.termLength }

func (r *memoryRawLog) Close() error { return nil }
