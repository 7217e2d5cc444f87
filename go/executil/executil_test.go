package executil

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandContext_NoFakes_Passthrough(t *testing.T) {
	cmd := CommandContext(context.Background(), "echo", "hello")
	require.Contains(t, cmd.Path, "echo")
	require.Equal(t, []string{"echo", "hello"}, cmd.Args)
}

func TestCommandContext_WithFakes_InvokesTestBinary(t *testing.T) {
	ctx := FakeTestsContext("Test_FakeExe_EchoHello_PrintsOutput")
	cmd := CommandContext(ctx, "echo", "hello")
	require.Equal(t, os.Args[0], cmd.Path)

	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Contains(t, string(out), "output from the fake")
	assert.Equal(t, 1, FakeCommandsReturned(ctx))
}

func TestCommandContext_ConsumesFakesInOrder(t *testing.T) {
	ctx := FakeTestsContext(
		"Test_FakeExe_EchoHello_PrintsOutput",
		"Test_FakeExe_Exits17",
	)
	require.NoError(t, CommandContext(ctx, "echo", "hello").Run())
	err := CommandContext(ctx, "false").Run()
	require.Error(t, err)
	assert.Equal(t, 2, FakeCommandsReturned(ctx))
}

func TestCommandContext_TooFewFakes_Panics(t *testing.T) {
	ctx := FakeTestsContext()
	require.Panics(t, func() {
		CommandContext(ctx, "echo", "hello")
	})
}

func TestWithFakeTests_AlreadyFaked_Panics(t *testing.T) {
	ctx := FakeTestsContext("Test_FakeExe_EchoHello_PrintsOutput")
	require.Panics(t, func() {
		WithFakeTests(ctx, "Test_FakeExe_Exits17")
	})
}

func Test_FakeExe_EchoHello_PrintsOutput(t *testing.T) {
	if !IsCallingFakeCommand() {
		return
	}
	require.Equal(t, []string{"echo", "hello"}, OriginalArgs())
	fmt.Println("output from the fake")
	os.Exit(0)
}

func Test_FakeExe_Exits17(t *testing.T) {
	if !IsCallingFakeCommand() {
		return
	}
	os.Exit(17)
}
