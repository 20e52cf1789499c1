// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// IOLibraryName is the conventional identifier for the
// [basic I/O library].
//
// [basic I/O library]: https://www.lua.org/manual/5.4/manual.html#6.8
const IOLibraryName = "io"

// ReadWriteSeekCloser groups the [io.Reader], [io.Writer], [io.Seeker],
// and [io.Closer] interfaces, the minimal surface a Lua file handle needs.
type ReadWriteSeekCloser interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// IOLibrary holds the functions backing the [io] library's interaction
// with the host environment.
type IOLibrary struct {
	// Stdin is used as the standard input stream.
	// If nil, [os.Stdin] is used.
	Stdin io.ByteReader
	// Stdout is used as the standard output stream.
	// If nil, [os.Stdout] is used.
	Stdout io.Writer
	// Stderr is used as the standard error stream.
	// If nil, [os.Stderr] is used.
	Stderr io.Writer

	// Open opens the named file in the given mode ("r", "w", "a",
	// with an optional "b" or "+" suffix, as in the C library).
	// If nil, io.open always fails.
	Open func(name, mode string) (ReadWriteSeekCloser, error)
	// CreateTemp creates and opens a new temporary file.
	// If nil, io.tmpfile always fails.
	CreateTemp func() (ReadWriteSeekCloser, error)
}

// NewIOLibrary returns a new [IOLibrary] that opens real files from the
// host filesystem using [os.OpenFile] and temporary files using
// [os.CreateTemp].
func NewIOLibrary() *IOLibrary {
	return &IOLibrary{
		Open:       ioOpenOS,
		CreateTemp: ioCreateTempOS,
	}
}

func ioOpenOS(name, mode string) (ReadWriteSeekCloser, error) {
	flag, err := parseIOMode(mode)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(name, flag, 0o666)
}

func parseIOMode(mode string) (int, error) {
	plus := len(mode) > 1 && mode[len(mode)-1:] == "+"
	base := mode
	if plus {
		base = mode[:len(mode)-1]
	} else if len(mode) > 1 && mode[len(mode)-1] == 'b' {
		base = mode[:len(mode)-1]
	}
	switch base {
	case "r":
		if plus {
			return os.O_RDWR, nil
		}
		return os.O_RDONLY, nil
	case "w":
		if plus {
			return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
		}
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "a":
		if plus {
			return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
		}
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	default:
		return 0, fmt.Errorf("invalid mode %q", mode)
	}
}

func ioCreateTempOS() (ReadWriteSeekCloser, error) {
	f, err := os.CreateTemp("", "lua")
	if err != nil {
		return nil, err
	}
	return removeOnCloseFile{f}, nil
}

// removeOnCloseFile deletes its underlying file from disk once closed,
// mirroring the behavior of C's tmpfile().
type removeOnCloseFile struct {
	*os.File
}

func (f removeOnCloseFile) Close() error {
	name := f.File.Name()
	err := f.File.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}

// OpenLibrary returns a [Function] that loads the I/O library.
// The resulting function is intended to be used as an argument to
// [Require].
func (lib *IOLibrary) OpenLibrary() Function {
	return func(l *State) (int, error) {
		if err := createStreamMetatable(l); err != nil {
			return 0, err
		}

		err := NewLib(l, map[string]Function{
			"close":   lib.close,
			"flush":   fflush,
			"input":   lib.input,
			"lines":   lib.lines,
			"open":    lib.open,
			"output":  lib.output,
			"read":    lib.read,
			"tmpfile": lib.tmpfile,
			"type":    ioType,
			"write":   lib.write,
		})
		if err != nil {
			return 0, err
		}

		stdin := lib.Stdin
		if stdin == nil {
			stdin = bufio.NewReader(os.Stdin)
		}
		pushStream(l, newStdStream(stdin, nil, nil))
		l.PushValue(-1)
		if err := l.SetField(RegistryIndex, ioInputKey, 0); err != nil {
			return 0, err
		}
		l.RawSetField(-2, "stdin")

		stdout := lib.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		pushStream(l, newStdStream(nil, stdout, nil))
		l.PushValue(-1)
		if err := l.SetField(RegistryIndex, ioOutputKey, 0); err != nil {
			return 0, err
		}
		l.RawSetField(-2, "stdout")

		stderr := lib.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		pushStream(l, newStdStream(nil, stderr, nil))
		l.RawSetField(-2, "stderr")

		return 1, nil
	}
}

const (
	ioInputKey  = "luaforge.dev/lua/internal/vm.stdin"
	ioOutputKey = "luaforge.dev/lua/internal/vm.stdout"
)

// newStdStream wraps one of the three standard streams,
// never closing the underlying file descriptor.
func newStdStream(r io.ByteReader, w io.Writer, seek io.Seeker) *stream {
	s := &stream{w: w, seek: seek, c: noCloser{}}
	if r != nil {
		if br, ok := r.(byteReader); ok {
			s.r = br
		} else {
			s.r = polyfillReader{r}
		}
	}
	return s
}

// noCloser is an [io.Closer] that never actually closes anything,
// used for the standard streams, which should not be closed by Lua code.
type noCloser struct{}

func (noCloser) Close() error { return nil }

func (lib *IOLibrary) open(l *State) (int, error) {
	name, err := CheckString(l, 1)
	if err != nil {
		return 0, err
	}
	mode := "r"
	if !l.IsNoneOrNil(2) {
		mode, err = CheckString(l, 2)
		if err != nil {
			return 0, err
		}
	}
	if lib.Open == nil {
		pushFail(l)
		l.PushString("io.open is not supported")
		return 2, nil
	}
	f, err := lib.Open(name, mode)
	if err != nil {
		return pushFileResult(l, err), nil
	}
	pushStream(l, newStream(f, true, true, true))
	return 1, nil
}

func (lib *IOLibrary) tmpfile(l *State) (int, error) {
	if lib.CreateTemp == nil {
		pushFail(l)
		l.PushString("io.tmpfile is not supported")
		return 2, nil
	}
	f, err := lib.CreateTemp()
	if err != nil {
		return pushFileResult(l, err), nil
	}
	pushStream(l, newStream(f, true, true, true))
	return 1, nil
}

func ioType(l *State) (int, error) {
	if l.Top() < 1 {
		return 0, NewArgError(l, 1, "value expected")
	}
	if _, ok := TestUserdata(l, 1, streamMetatableName); !ok {
		l.PushNil()
		return 1, nil
	}
	s := testStream(l, 1)
	if s.isClosed() {
		l.PushString("closed file")
	} else {
		l.PushString("file")
	}
	return 1, nil
}

func (lib *IOLibrary) close(l *State) (int, error) {
	if l.IsNoneOrNil(1) {
		s, err := registryStream(l, ioOutputKey)
		if err != nil {
			return 0, err
		}
		return pushFileResult(l, s.Close()), nil
	}
	return fclose(l)
}

func (lib *IOLibrary) input(l *State) (int, error) {
	return lib.filefunc(l, ioInputKey, "r")
}

func (lib *IOLibrary) output(l *State) (int, error) {
	return lib.filefunc(l, ioOutputKey, "w")
}

func (lib *IOLibrary) filefunc(l *State, key string, mode string) (int, error) {
	if !l.IsNoneOrNil(1) {
		if s, ok := l.ToString(1); ok && testStream(l, 1) == nil {
			if lib.Open == nil {
				return 0, fmt.Errorf("%sio.open is not supported", Where(l, 1))
			}
			f, err := lib.Open(s, mode)
			if err != nil {
				return 0, fmt.Errorf("%scannot open file %q (%v)", Where(l, 1), s, err)
			}
			pushStream(l, newStream(f, true, true, true))
		} else {
			if _, err := CheckUserdata(l, 1, streamMetatableName); err != nil {
				return 0, err
			}
			l.PushValue(1)
		}
		if err := l.SetField(RegistryIndex, key, 0); err != nil {
			return 0, err
		}
	}
	if _, err := l.Field(RegistryIndex, key, 0); err != nil {
		return 0, err
	}
	return 1, nil
}

func (lib *IOLibrary) read(l *State) (int, error) {
	s, err := registryStream(l, ioInputKey)
	if err != nil {
		return 0, err
	}
	return s.read(l, 1)
}

func (lib *IOLibrary) write(l *State) (int, error) {
	s, err := registryStream(l, ioOutputKey)
	if err != nil {
		return 0, err
	}
	return s.write(l, 1)
}

func (lib *IOLibrary) lines(l *State) (int, error) {
	if l.IsNoneOrNil(1) {
		if _, err := l.Field(RegistryIndex, ioInputKey, 0); err != nil {
			return 0, err
		}
		l.Replace(1)
		if err := pushLinesFunction(l, false); err != nil {
			return 0, err
		}
		return 1, nil
	}
	name, err := CheckString(l, 1)
	if err != nil {
		return 0, err
	}
	if lib.Open == nil {
		return 0, fmt.Errorf("%sio.lines is not supported", Where(l, 1))
	}
	f, err := lib.Open(name, "r")
	if err != nil {
		return 0, fmt.Errorf("%scannot open file %q (%v)", Where(l, 1), name, err)
	}
	pushStream(l, newStream(f, true, false, true))
	l.Replace(1)
	if err := pushLinesFunction(l, true); err != nil {
		return 0, err
	}
	return 1, nil
}

