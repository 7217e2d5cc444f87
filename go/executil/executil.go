// Package executil provides a mostly transparent way to make os/exec testable. It is inspired by
// https://npf.io/2015/06/testing-exec-command/ (which was inspired by the standard library's tests
// of os/exec). The helpers in this package replace a call to an arbitrary executable (and
// arguments) with a call to the underlying test binary, with a flag to run exactly one test. That
// test can then be a fake implementation of the executable, do assertions on the arguments, etc.
package executil

import (
	"context"
	"os"
	"os/exec"
	"sync"
)

const (
	// OverrideEnvironmentVariable is set in the environment of the faked *exec.Cmd returned by
	// CommandContext so the fake test implementation can tell it is being run as a subprocess.
	OverrideEnvironmentVariable = "PULSE_EXECUTIL_OVERRIDE_TEST"

	// overrideKey is the context.Value key under which the *fakeTestTracker is stored.
	overrideKey = contextKeyType("pulse_executil_override_cmd")
)

type contextKeyType string

// WithFakeTests returns a context loaded with the given test names. When that context is passed
// to CommandContext, faked *exec.Cmd objects are returned, consuming one test name per call in
// order. Panics if the parent context already has fake tests associated with it.
func WithFakeTests(parent context.Context, fakeTestNames ...string) context.Context {
	if _, ok := parent.Value(overrideKey).(*fakeTestTracker); ok {
		panic("parent context already has fake tests associated with it")
	}
	return context.WithValue(parent, overrideKey, &fakeTestTracker{
		fakeTestNames: fakeTestNames,
	})
}

// FakeTestsContext is a convenient wrapper around WithFakeTests using context.Background().
func FakeTestsContext(fakeTestNames ...string) context.Context {
	return WithFakeTests(context.Background(), fakeTestNames...)
}

// fakeTestTracker keeps track of which test should be faked out next. It is stored by pointer in
// the context value so CommandContext can advance the index without deriving a new context.
type fakeTestTracker struct {
	index         int
	fakeTestNames []string
	mutex         sync.Mutex
}

// CommandContext looks for the special value set by WithFakeTests on the provided context. If
// present, the next fake test name is consumed and a faked *exec.Cmd is returned which re-invokes
// the current test binary running exactly that test. It panics if the context runs out of fake
// test names. Without the special value it is a passthrough to os/exec.CommandContext.
func CommandContext(ctx context.Context, cmd string, args ...string) *exec.Cmd {
	override, ok := ctx.Value(overrideKey).(*fakeTestTracker)
	if !ok {
		return exec.CommandContext(ctx, cmd, args...)
	}
	override.mutex.Lock()
	defer override.mutex.Unlock()
	if override.index >= len(override.fakeTestNames) {
		panic("Not enough fake tests provided")
	}
	fakeTest := override.fakeTestNames[override.index]
	override.index++
	// Shell out to the current test executable and tell it to run the fake test, passing the
	// original command and arguments through after a "--" separator.
	argsWithOverride := append([]string{"-test.run=" + fakeTest, "--", cmd}, args...)
	fakedCmd := exec.CommandContext(ctx, os.Args[0], argsWithOverride...)
	fakedCmd.Env = []string{OverrideEnvironmentVariable + "=1"}
	return fakedCmd
}

// FakeCommandsReturned returns how many faked commands have been created from the given context.
func FakeCommandsReturned(ctx context.Context) int {
	override, ok := ctx.Value(overrideKey).(*fakeTestTracker)
	if !ok {
		panic("A Context was passed in that was not produced by the executil package.")
	}
	override.mutex.Lock()
	defer override.mutex.Unlock()
	return override.index
}

// OriginalArgs returns the original arguments the faked command was invoked with, stripping the
// test binary, the -test.run flag and the "--" separator.
func OriginalArgs() []string {
	return os.Args[3:]
}

// IsCallingFakeCommand returns whether the current process is a test process running a faked CLI
// invocation. Each Test_FakeExe_... test should call this first and return early if false.
func IsCallingFakeCommand() bool {
	return os.Getenv(OverrideEnvironmentVariable) != ""
}
