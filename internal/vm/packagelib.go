// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"fmt"
	"os"
	"strings"

	"luaforge.dev/lua/internal/code"
)

// PackageLibraryName is the conventional identifier for the
// [package library], which provides basic facilities for loading modules.
//
// [package library]: https://www.lua.org/manual/5.4/manual.html#6.3
const PackageLibraryName = "package"

// PreloadTable is the key in the registry for the table of preloaded loaders.
const PreloadTable = "_PRELOAD"

const (
	pathSeparator   = ";"
	pathMark        = "?"
	defaultLuaPath  = "./?.lua;./?/init.lua"
	luaPathVariable = "LUA_PATH"
)

// PackageLibrary holds the functions backing the [package] library's
// interaction with the host filesystem.
type PackageLibrary struct {
	// ReadFile reads the named source file.
	// If nil, the file searcher never finds a module.
	ReadFile func(name string) ([]byte, error)
	// Path is the initial value of package.path,
	// a semicolon-separated list of templates used to turn a module name
	// into a file name, with "?" replaced by the module name.
	// If empty, [defaultLuaPath] is used.
	Path string
}

// NewPackageLibrary returns a new [PackageLibrary] that reads modules
// from the host filesystem using [os.ReadFile],
// honoring the LUA_PATH environment variable if set.
func NewPackageLibrary() *PackageLibrary {
	path := os.Getenv(luaPathVariable)
	if path == "" {
		path = defaultLuaPath
	}
	return &PackageLibrary{
		ReadFile: os.ReadFile,
		Path:     path,
	}
}

// OpenLibrary returns a [Function] that loads the package library
// and installs the global require function.
// The resulting function is intended to be used as an argument to
// [Require].
func (lib *PackageLibrary) OpenLibrary() Function {
	return func(l *State) (int, error) {
		if err := NewLib(l, map[string]Function{
			"searchpath": lib.searchPath,
		}); err != nil {
			return 0, err
		}

		path := lib.Path
		if path == "" {
			path = defaultLuaPath
		}
		l.PushString(path)
		if err := l.SetField(-2, "path", 0); err != nil {
			return 0, err
		}

		if _, err := Subtable(l, RegistryIndex, LoadedTable); err != nil {
			return 0, err
		}
		if err := l.SetField(-2, "loaded", 0); err != nil {
			return 0, err
		}

		if _, err := Subtable(l, RegistryIndex, PreloadTable); err != nil {
			return 0, err
		}
		if err := l.SetField(-2, "preload", 0); err != nil {
			return 0, err
		}

		l.RawIndex(RegistryIndex, RegistryIndexGlobals)
		l.PushValue(-2) // Package table as upvalue for require.
		l.PushClosure(1, lib.require)
		if err := l.SetField(-2, "require", 0); err != nil {
			return 0, err
		}
		l.Pop(1) // Pop global table.

		return 1, nil
	}
}

func (lib *PackageLibrary) searchPath(l *State) (int, error) {
	name, err := CheckString(l, 1)
	if err != nil {
		return 0, err
	}
	path, err := CheckString(l, 2)
	if err != nil {
		return 0, err
	}
	sep := "."
	if !l.IsNoneOrNil(3) {
		sep, err = CheckString(l, 3)
		if err != nil {
			return 0, err
		}
	}
	rep := "/"
	if !l.IsNoneOrNil(4) {
		rep, err = CheckString(l, 4)
		if err != nil {
			return 0, err
		}
	}

	_, filename, errMsg := lib.findFile(name, path, sep, rep)
	if errMsg != "" {
		l.PushNil()
		l.PushString(errMsg)
		return 2, nil
	}
	l.PushString(filename)
	return 1, nil
}

func (lib *PackageLibrary) findFile(name, path, sep, dirSep string) (content []byte, filename, errMsg string) {
	if sep != "" {
		name = strings.ReplaceAll(name, sep, dirSep)
	}
	for _, template := range strings.Split(path, pathSeparator) {
		candidate := strings.ReplaceAll(template, pathMark, name)
		if lib.ReadFile == nil {
			errMsg += fmt.Sprintf("\n\tno file %q", candidate)
			continue
		}
		data, err := lib.ReadFile(candidate)
		if err != nil {
			errMsg += fmt.Sprintf("\n\tno file %q", candidate)
			continue
		}
		return data, candidate, ""
	}
	return nil, "", errMsg
}

// require is the implementation of the global require function.
// Its sole upvalue is the package table.
func (lib *PackageLibrary) require(l *State) (int, error) {
	name, err := CheckString(l, 1)
	if err != nil {
		return 0, err
	}
	l.SetTop(1)
	if _, err := l.Field(RegistryIndex, LoadedTable, 0); err != nil {
		return 0, err
	}
	if _, err := l.Field(2, name, 0); err != nil {
		return 0, err
	}
	if l.ToBoolean(-1) {
		// Already loaded.
		return 1, nil
	}
	l.Pop(1)

	if err := lib.findLoader(l, name); err != nil {
		return 0, err
	}
	l.PushString(name) // Name is the first argument to the loader.
	l.Insert(-2)
	if err := l.Call(2, 1, 0); err != nil {
		return 0, err
	}
	if !l.IsNil(-1) {
		if err := l.SetField(2, name, 0); err != nil {
			return 0, err
		}
	}
	tp, err := l.Field(2, name, 0)
	if err != nil {
		return 0, err
	}
	if tp == TypeNil {
		l.PushBoolean(true)
		l.PushValue(-1)
		if err := l.SetField(2, name, 0); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// findLoader searches package.preload and the configured search path
// for a loader function for the named module, leaving the loader
// and an argument to pass it (e.g. the resolved file name) on the stack.
func (lib *PackageLibrary) findLoader(l *State, name string) error {
	var errMsg strings.Builder
	fmt.Fprintf(&errMsg, "module %q not found:", name)

	if _, err := l.Field(RegistryIndex, PreloadTable, 0); err != nil {
		return err
	}
	if tp, err := l.Field(-1, name, 0); err != nil {
		return err
	} else if tp != TypeNil {
		l.Remove(-2) // Remove preload table.
		l.PushString(":preload:")
		return nil
	}
	l.Pop(2) // Remove preload table and nil result.

	if _, err := l.Field(UpvalueIndex(1), "path", 0); err != nil {
		return err
	}
	path, ok := l.ToString(-1)
	if !ok {
		return fmt.Errorf("%s'package.path' must be a string", Where(l, 1))
	}
	l.Pop(1)

	data, filename, findErr := lib.findFile(name, path, ".", "/")
	if findErr != "" {
		errMsg.WriteString(findErr)
		return fmt.Errorf("%s%s", Where(l, 1), errMsg.String())
	}
	if err := l.Load(strings.NewReader(string(data)), code.Source(filename), "t"); err != nil {
		return fmt.Errorf("%serror loading module %q from file %q:\n\t%v", Where(l, 1), name, filename, err)
	}
	l.PushString(filename)
	return nil
}
