// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

// CoroutineLibraryName is the conventional identifier for the
// [coroutine library].
//
// [coroutine library]: https://www.lua.org/manual/5.4/manual.html#6.2
const CoroutineLibraryName = "coroutine"

// NewOpenCoroutine returns a [Function] that loads the standard coroutine
// library. The resulting function is intended to be used as an argument to
// [Require].
func NewOpenCoroutine() Function {
	return func(l *State) (int, error) {
		return 1, NewLib(l, map[string]Function{
			"create":      coroutineCreate,
			"resume":      coroutineResume,
			"yield":       coroutineYield,
			"wrap":        coroutineWrap,
			"status":      coroutineStatus,
			"isyieldable": coroutineIsYieldable,
			"running":     coroutineRunning,
			"close":       coroutineClose,
		})
	}
}

func argFunction(l *State, arg int) (function, error) {
	v, _, err := l.valueByIndex(arg)
	if err != nil {
		return nil, err
	}
	f, ok := v.(function)
	if !ok {
		return nil, NewArgError(l, arg, "function expected")
	}
	return f, nil
}

func argThread(l *State, arg int) (*State, error) {
	v, _, err := l.valueByIndex(arg)
	if err != nil {
		return nil, err
	}
	co, ok := v.(*State)
	if !ok {
		return nil, NewArgError(l, arg, "coroutine expected")
	}
	return co, nil
}

func coroutineCreate(l *State) (int, error) {
	f, err := argFunction(l, 1)
	if err != nil {
		return 0, err
	}
	co := l.NewThread()
	co.fn = f
	return 1, nil
}

// resumeArgs collects the values at and above idx on l's stack.
func resumeArgs(l *State, idx int) []value {
	n := l.Top()
	if n < idx {
		return nil
	}
	args := make([]value, 0, n-idx+1)
	for i := idx; i <= n; i++ {
		v, _, _ := l.valueByIndex(i)
		args = append(args, v)
	}
	return args
}

func coroutineResume(l *State) (int, error) {
	co, err := argThread(l, 1)
	if err != nil {
		return 0, err
	}
	args := resumeArgs(l, 2)
	results, resumeErr := co.Resume(l, args)
	if resumeErr != nil {
		l.PushBoolean(false)
		l.push(errorToValue(resumeErr))
		return 2, nil
	}
	l.PushBoolean(true)
	for _, v := range results {
		l.push(v)
	}
	return 1 + len(results), nil
}

func coroutineYield(l *State) (int, error) {
	args := resumeArgs(l, 1)
	results, err := l.yield(args)
	if err != nil {
		return 0, err
	}
	for _, v := range results {
		l.push(v)
	}
	return len(results), nil
}

// coroutineWrap implements coroutine.wrap: it creates a new coroutine from
// its function argument and replaces itself on the stack with a Go closure
// that resumes that coroutine on every call, propagating errors directly
// instead of returning a status boolean.
func coroutineWrap(l *State) (int, error) {
	f, err := argFunction(l, 1)
	if err != nil {
		return 0, err
	}
	co := l.NewThread()
	co.fn = f
	l.Remove(-1)
	l.PushClosure(0, func(l *State) (int, error) {
		args := resumeArgs(l, 1)
		results, resumeErr := co.Resume(l, args)
		if resumeErr != nil {
			return 0, resumeErr
		}
		for _, v := range results {
			l.push(v)
		}
		return len(results), nil
	})
	return 1, nil
}

func coroutineStatus(l *State) (int, error) {
	co, err := argThread(l, 1)
	if err != nil {
		return 0, err
	}
	l.PushString(co.Status().String())
	return 1, nil
}

func coroutineIsYieldable(l *State) (int, error) {
	target := l
	if !l.IsNone(1) {
		co, err := argThread(l, 1)
		if err != nil {
			return 0, err
		}
		target = co
	}
	l.PushBoolean(target.IsYieldable())
	return 1, nil
}

func coroutineRunning(l *State) (int, error) {
	l.push(l)
	l.PushBoolean(l == l.g.mainThread)
	return 2, nil
}

func coroutineClose(l *State) (int, error) {
	co, err := argThread(l, 1)
	if err != nil {
		return 0, err
	}
	if closeErr := co.Close(); closeErr != nil {
		l.PushBoolean(false)
		l.push(errorToValue(closeErr))
		return 2, nil
	}
	l.PushBoolean(true)
	return 1, nil
}
