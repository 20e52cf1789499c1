// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

// StdlibOptions configures [OpenLibraries].
type StdlibOptions struct {
	// Base configures the basic library. A nil value uses the defaults.
	Base *BaseOptions
	// IO configures the io library. A nil value uses [NewIOLibrary].
	IO *IOLibrary
	// OS configures the os library. A nil value uses [NewOSLibrary].
	OS *OSLibrary
	// Package configures the package library. A nil value uses
	// [NewPackageLibrary].
	Package *PackageLibrary
	// Random is the source of randomness for the math library.
	// A nil value uses the math library's default.
	Random RandomSource
}

// OpenLibraries opens all standard Lua libraries into the given state,
// configured by opts (nil uses the default settings).
func OpenLibraries(l *State, opts *StdlibOptions) error {
	if opts == nil {
		opts = new(StdlibOptions)
	}
	ioLib := opts.IO
	if ioLib == nil {
		ioLib = NewIOLibrary()
	}
	osLib := opts.OS
	if osLib == nil {
		osLib = NewOSLibrary()
	}
	pkgLib := opts.Package
	if pkgLib == nil {
		pkgLib = NewPackageLibrary()
	}

	libs := []struct {
		name  string
		openf Function
	}{
		{GName, NewOpenBase(opts.Base)},
		{CoroutineLibraryName, NewOpenCoroutine()},
		{TableLibraryName, NewOpenTable()},
		{IOLibraryName, ioLib.OpenLibrary()},
		{OSLibraryName, osLib.OpenLibrary()},
		{StringLibraryName, NewOpenString()},
		{UTF8LibraryName, NewOpenUTF8()},
		{Bit32LibraryName, NewOpenBit32()},
		{MathLibraryName, NewOpenMath(opts.Random)},
		{DebugLibraryName, NewOpenDebug()},
		{PackageLibraryName, pkgLib.OpenLibrary()},
	}

	for _, lib := range libs {
		if err := Require(l, lib.name, true, lib.openf); err != nil {
			return err
		}
		l.Pop(1)
	}

	return nil
}
