// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"errors"
	"fmt"
)

// NewUserdataUV pushes a new full userdata onto the stack
// wrapping the given Go value,
// with nUValue associated Lua values
// (retrievable with [State.UserValue]/[State.SetUserValue]).
func (l *State) NewUserdataUV(data any, nUValue int) {
	l.init()
	l.push(newUserdata(data, nUValue))
}

// ToUserdata returns the Go value wrapped by the full userdata
// at the given index, or (nil, false) if the value is not a full userdata.
func (l *State) ToUserdata(idx int) (any, bool) {
	l.init()
	v, _, err := l.valueByIndex(idx)
	if err != nil {
		return nil, false
	}
	u, ok := v.(*userdataValue)
	if !ok {
		return nil, false
	}
	return u.data, true
}

// UserValue pushes onto the stack the n-th user value
// associated with the full userdata at the given index,
// returning the type of the pushed value.
// n is 1-based.
// If the userdata does not have that many user values,
// UserValue pushes nothing and returns [TypeNone].
func (l *State) UserValue(idx, n int) (Type, error) {
	l.init()
	v, _, err := l.valueByIndex(idx)
	if err != nil {
		return TypeNone, err
	}
	u, ok := v.(*userdataValue)
	if !ok {
		return TypeNone, fmt.Errorf("lua: user value: not a userdata")
	}
	if n < 1 || n > len(u.uservalues) {
		return TypeNone, nil
	}
	l.push(u.uservalues[n-1])
	return valueType(u.uservalues[n-1]), nil
}

// SetUserValue pops a value from the stack
// and sets it as the n-th user value
// associated with the full userdata at the given index.
// n is 1-based.
func (l *State) SetUserValue(idx, n int) error {
	l.init()
	if l.Top() < 1 {
		return errors.New("stack underflow")
	}
	uv := l.stack[len(l.stack)-1]
	l.setTop(len(l.stack) - 1)
	v, _, err := l.valueByIndex(idx)
	if err != nil {
		return err
	}
	u, ok := v.(*userdataValue)
	if !ok {
		return fmt.Errorf("lua: set user value: not a userdata")
	}
	if n < 1 || n > len(u.uservalues) {
		return fmt.Errorf("lua: set user value: index %d out of range", n)
	}
	u.uservalues[n-1] = uv
	return nil
}

// ID returns a Go-process-unique identifier for the table, function,
// full userdata, or thread at the given index, or 0 for any other kind of value.
// It is used to print a reasonable default representation for such values
// (see [ToString]) and has no meaning beyond that.
func (l *State) ID(idx int) uint64 {
	l.init()
	v, _, err := l.valueByIndex(idx)
	if err != nil {
		return 0
	}
	switch v := v.(type) {
	case *table:
		return v.id
	case function:
		return v.functionID()
	case *userdataValue:
		return v.id
	case *State:
		return v.id
	default:
		return 0
	}
}

// SetMetatable pops a table (or nil) from the top of the stack
// and sets it as the metatable of the value at the given index.
// For types other than tables and full userdata,
// this changes the metatable shared by all values of that type.
func (l *State) SetMetatable(idx int) error {
	l.init()
	if l.Top() < 1 {
		return errors.New("stack underflow")
	}
	mv := l.stack[len(l.stack)-1]
	l.setTop(len(l.stack) - 1)

	var mt *table
	switch mv := mv.(type) {
	case nil:
	case *table:
		mt = mv
	default:
		return errors.New("lua: setmetatable: nil or table expected")
	}

	v, _, err := l.valueByIndex(idx)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case *table:
		v.meta = mt
		v.applyMetatableMode()
	case *userdataValue:
		v.meta = mt
	default:
		l.g.typeMetatables[valueType(v)] = mt
	}
	return nil
}
