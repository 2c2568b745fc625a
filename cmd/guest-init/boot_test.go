package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velora-hq/sandbox/lib/guest"
)

func testLogger() *Logger {
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	return &Logger{console: devnull}
}

type recordedMount struct {
	source, target, fstype string
}

func TestBootSequenceOrder(t *testing.T) {
	var mounts []recordedMount
	var execArgv []string
	var execEnv []string

	seq := &sequence{
		mount: func(source, target, fstype string, flags uintptr, data string) error {
			mounts = append(mounts, recordedMount{source, target, fstype})
			return nil
		},
		exec: func(argv0 string, argv []string, envv []string) error {
			execArgv = argv
			execEnv = envv
			return nil
		},
		log: testLogger(),
	}

	require.NoError(t, seq.run())

	// Exact transition sequence, no skips, no repeats.
	require.Equal(t, []bootState{
		stateStart,
		stateProcMounted,
		stateSysMounted,
		statePayloadRunning,
	}, seq.states)

	require.Equal(t, []recordedMount{
		{"proc", guest.ProcMountPoint, "proc"},
		{"sysfs", guest.SysMountPoint, "sysfs"},
	}, mounts)

	require.Equal(t, guest.PayloadArgv(), execArgv)
	require.Contains(t, execEnv, guest.DataPathEnv+"="+guest.DataDir)
}

func TestBootProcMountFailure(t *testing.T) {
	mountErr := errors.New("no such device")
	var sysAttempted bool

	seq := &sequence{
		mount: func(source, target, fstype string, flags uintptr, data string) error {
			if fstype == "proc" {
				return mountErr
			}
			sysAttempted = true
			return nil
		},
		exec: func(argv0 string, argv []string, envv []string) error {
			t.Fatal("exec must not be reached after a failed mount")
			return nil
		},
		log: testLogger(),
	}

	err := seq.run()
	require.Error(t, err)

	var merr *MountError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "proc", merr.Kind)
	require.ErrorIs(t, err, mountErr)

	// Terminated before reaching sys-mounted.
	require.False(t, sysAttempted)
	require.Equal(t, []bootState{stateStart}, seq.states)
}

func TestBootSysMountFailure(t *testing.T) {
	seq := &sequence{
		mount: func(source, target, fstype string, flags uintptr, data string) error {
			if fstype == "sysfs" {
				return errors.New("rejected")
			}
			return nil
		},
		exec: func(argv0 string, argv []string, envv []string) error {
			t.Fatal("exec must not be reached after a failed mount")
			return nil
		},
		log: testLogger(),
	}

	err := seq.run()
	var merr *MountError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "sys", merr.Kind)
	require.Equal(t, []bootState{stateStart, stateProcMounted}, seq.states)
}

func TestBootExecFailure(t *testing.T) {
	execErr := errors.New("no such file or directory")
	seq := &sequence{
		mount: func(source, target, fstype string, flags uintptr, data string) error {
			return nil
		},
		exec: func(argv0 string, argv []string, envv []string) error {
			return execErr
		},
		log: testLogger(),
	}

	err := seq.run()
	var eerr *ExecError
	require.ErrorAs(t, err, &eerr)
	require.ErrorIs(t, err, execErr)
	require.Equal(t, []bootState{stateStart, stateProcMounted, stateSysMounted}, seq.states)
}
