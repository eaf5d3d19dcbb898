package common

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// OpenedCallback is invoked every time the log file is (re)opened, before it
// becomes available for writing.
type OpenedCallback func(f *os.File, isEmpty bool) error

// NopOpenedCallback is an OpenedCallback that does nothing.
func NopOpenedCallback(*os.File, bool) error { return nil }

// A RotatingFile is an append-only io.WriteCloser that is reopened whenever
// the process receives SIGHUP, so that logrotate can move the file away.
type RotatingFile struct {
	path          string
	file          *os.File
	signalChannel chan<- os.Signal
	reopen        func() (*os.File, error)
	lock          sync.Mutex
}

var _ io.WriteCloser = &RotatingFile{}

func openAppendOnly(path string, mode os.FileMode, callback OpenedCallback) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	pos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	if err := callback(file, pos == 0); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// NewRotatingFile opens path for writing in append-only mode and listens for
// SIGHUP so that it can reopen the file automatically.
func NewRotatingFile(path string, mode os.FileMode, callback OpenedCallback) (*RotatingFile, error) {
	file, err := openAppendOnly(path, mode, callback)
	if err != nil {
		return nil, err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)

	r := &RotatingFile{
		path:          path,
		file:          file,
		signalChannel: c,
		reopen:        func() (*os.File, error) { return openAppendOnly(path, mode, callback) },
	}

	go func() {
		for range c {
			r.Rotate()
		}
	}()

	return r, nil
}

// Name returns the path of the file.
func (r *RotatingFile) Name() string {
	return r.path
}

// Write writes the bytes into the underlying file.
func (r *RotatingFile) Write(b []byte) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.file.Write(b)
}

// Close closes the underlying file and stops listening for SIGHUP.
func (r *RotatingFile) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	signal.Stop(r.signalChannel)
	return r.file.Close()
}

// Rotate reopens the file and closes the previous one.
func (r *RotatingFile) Rotate() error {
	newFile, err := r.reopen()
	if err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	oldFile := r.file
	r.file = newFile
	return oldFile.Close()
}
