// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"errors"
	"math"
	"slices"
	"sort"
	"strings"

	"luaforge.dev/lua/internal/code"
)

// weakMode records which parts of a table's entries are held by weak
// references, as determined by the "__mode" field of its metatable.
type weakMode uint8

const (
	weakKeys weakMode = 1 << iota
	weakValues
)

type table struct {
	id      uint64
	entries []tableEntry
	meta    *table
	mode    weakMode
}

func newTable(capacity int) *table {
	tab := &table{id: nextID()}
	if capacity > 0 {
		tab.entries = make([]tableEntry, 0, capacity)
	}
	return tab
}

func (tab *table) valueType() Type {
	return TypeTable
}

// len returns a [border in the table].
// This is equivalent to the Lua length ("#") operator.
//
// [border in the table]: https://lua.org/manual/5.4/manual.html#3.4.7
func (tab *table) len() integerValue {
	if tab == nil {
		return 0
	}
	start, ok := findEntry(tab.entries, integerValue(1))
	if !ok {
		return 0
	}

	// Find the last entry with a numeric key in the possible range.
	// For example, if len(tab.entries) - start == 3,
	// then we can ignore any values greater than 3
	// because there necessarily must be a border before any of those values.
	maxKey := len(tab.entries) - start
	searchSpace := tab.entries[start+1:] // Can skip 1.
	n := sort.Search(len(searchSpace), func(i int) bool {
		switch k := searchSpace[i].key.strong.(type) {
		case integerValue:
			return k > integerValue(maxKey)
		case floatValue:
			return k > floatValue(maxKey)
		default:
			return true
		}
	})
	searchSpace = searchSpace[:n]
	// Maximum key cannot be larger than the number of elements
	// (plus one, because we excluded the 1 entry).
	maxKey = n + 1

	// Instead of searching over slice indices,
	// we binary search over the key space to find the first i
	// for which table[i + 1] == nil.
	i := sort.Search(maxKey, func(i int) bool {
		_, found := findEntry(searchSpace, integerValue(i)+2)
		return !found
	})
	return integerValue(i) + 1
}

func (tab *table) get(key value) value {
	if tab == nil {
		return nil
	}
	i, found := findEntry(tab.entries, key)
	if !found {
		return nil
	}
	v, ok := tab.entries[i].value.get()
	if !ok {
		return nil
	}
	return v
}

func (tab *table) set(key, v value) error {
	switch k := key.(type) {
	case nil:
		return errors.New("table index is nil")
	case floatValue:
		if math.IsNaN(float64(k)) {
			return errors.New("table index is NaN")
		}
		if i, ok := code.FloatToInteger(float64(k), code.OnlyIntegral); ok {
			key = integerValue(i)
		}
	}

	i, found := findEntry(tab.entries, key)
	switch {
	case found && v != nil:
		tab.entries[i].value = tab.valueSlot(v)
	case found && v == nil:
		tab.entries = slices.Delete(tab.entries, i, i+1)
	case !found && v != nil:
		tab.entries = slices.Insert(tab.entries, i, tableEntry{
			key:   tab.keySlot(key),
			value: tab.valueSlot(v),
		})
	}
	return nil
}

// setExisting looks up a key in the table
// and changes or removes the value for the key as appropriate
// if the key was found and returns true.
// Otherwise, if the key was not found,
// then setExisting does nothing and returns false.
func (tab *table) setExisting(k, v value) bool {
	if tab == nil {
		return false
	}
	i, found := findEntry(tab.entries, k)
	if !found {
		return false
	}
	if v == nil {
		tab.entries = slices.Delete(tab.entries, i, i+1)
	} else {
		tab.entries[i].value = tab.valueSlot(v)
	}
	return true
}

// clear removes all entries from the table,
// but retains the space allocated for the table.
// It does not remove the table's metatable association.
func (tab *table) clear() {
	clear(tab.entries)
	tab.entries = tab.entries[:0]
}

// next returns the live entry immediately following key in tab's
// iteration order, purging any weak entries it passes over whose
// referent has been collected.
// A nil key starts iteration from the beginning.
// found is false once iteration is exhausted.
func (tab *table) next(key value) (nextKey, nextValue value, found bool, err error) {
	if tab == nil {
		return nil, nil, false, nil
	}
	start := 0
	if key != nil {
		i, ok := findEntry(tab.entries, key)
		if !ok {
			return nil, nil, false, errors.New("invalid key to 'next'")
		}
		start = i + 1
	}
	for start < len(tab.entries) {
		e := tab.entries[start]
		k, kok := e.key.get()
		v, vok := e.value.get()
		if !kok || !vok {
			tab.entries = slices.Delete(tab.entries, start, start+1)
			continue
		}
		return k, v, true, nil
	}
	return nil, nil, false, nil
}

// keySlot wraps v as tab would store it as a key,
// honoring tab's current weak mode.
// Non-collectible values (numbers, strings, booleans, Go functions)
// are always held strongly regardless of mode.
func (tab *table) keySlot(v value) slot {
	if tab.mode&weakKeys != 0 {
		return weakSlot(v)
	}
	return strongSlot(v)
}

// valueSlot wraps v as tab would store it as a value,
// honoring tab's current weak mode.
func (tab *table) valueSlot(v value) slot {
	if tab.mode&weakValues != 0 {
		return weakSlot(v)
	}
	return strongSlot(v)
}

// applyMetatableMode reads the "__mode" field of tab's metatable
// (if any) and migrates tab's storage to match in a single pass.
func (tab *table) applyMetatableMode() {
	mode := ""
	if tab.meta != nil {
		if s, ok := tab.meta.get(stringValue{s: "__mode"}).(stringValue); ok {
			mode = s.s
		}
	}
	tab.setMode(mode)
}

// setMode changes tab's weak mode according to the characters in mode
// ('k' for weak keys, 'v' for weak values)
// and migrates any existing entries to match.
func (tab *table) setMode(mode string) {
	var newMode weakMode
	if strings.ContainsRune(mode, 'k') {
		newMode |= weakKeys
	}
	if strings.ContainsRune(mode, 'v') {
		newMode |= weakValues
	}
	if newMode == tab.mode {
		return
	}
	tab.mode = newMode
	for i := range tab.entries {
		if k, ok := tab.entries[i].key.get(); ok {
			tab.entries[i].key = tab.keySlot(k)
		}
		if v, ok := tab.entries[i].value.get(); ok {
			tab.entries[i].value = tab.valueSlot(v)
		}
	}
}

type tableEntry struct {
	key, value slot
}

func findEntry(entries []tableEntry, key value) (int, bool) {
	return slices.BinarySearchFunc(entries, key, func(e tableEntry, key value) int {
		return e.key.compare(key)
	})
}
