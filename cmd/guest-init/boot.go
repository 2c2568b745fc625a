package main

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/velora-hq/sandbox/lib/guest"
)

// bootState tracks progress through the boot sequence. States advance
// strictly forward; no state is ever revisited.
type bootState int

const (
	stateStart bootState = iota
	stateProcMounted
	stateSysMounted
	statePayloadRunning
)

func (s bootState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateProcMounted:
		return "proc-mounted"
	case stateSysMounted:
		return "sys-mounted"
	case statePayloadRunning:
		return "payload-running"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MountError is a fatal failure to mount one of the pseudo-filesystems.
type MountError struct {
	Kind string // "proc" or "sys"
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s: %v", e.Kind, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// ExecError is a fatal failure to exec the payload.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec payload: %v", e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// sequence runs the boot state machine. The mount and exec syscalls are
// function fields so tests can observe transitions without being PID 1.
type sequence struct {
	mount func(source, target, fstype string, flags uintptr, data string) error
	exec  func(argv0 string, argv []string, envv []string) error

	log    *Logger
	states []bootState
}

func newSequence(log *Logger) *sequence {
	return &sequence{
		mount: unix.Mount,
		exec:  unix.Exec,
		log:   log,
	}
}

// run drives the sequence start -> proc-mounted -> sys-mounted ->
// payload-running, terminating at the first failed transition. A
// successful exec replaces the process, so payload-running is only ever
// observed with an injected exec.
func (s *sequence) run() error {
	s.enter(stateStart)

	if err := s.mount("proc", guest.ProcMountPoint, "proc", 0, ""); err != nil {
		return &MountError{Kind: "proc", Err: err}
	}
	s.enter(stateProcMounted)

	if err := s.mount("sysfs", guest.SysMountPoint, "sysfs", 0, ""); err != nil {
		return &MountError{Kind: "sys", Err: err}
	}
	s.enter(stateSysMounted)

	argv := guest.PayloadArgv()
	s.log.Info("exec", fmt.Sprintf("launching payload: %v", argv))
	if err := s.exec(argv[0], argv, payloadEnv()); err != nil {
		return &ExecError{Err: err}
	}
	s.enter(statePayloadRunning)
	return nil
}

func (s *sequence) enter(state bootState) {
	s.states = append(s.states, state)
	s.log.Info("state", state.String())
}

// payloadEnv is the environment the payload starts with. DATA_PATH points
// the agent at the baked-in historical data directory.
func payloadEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		fmt.Sprintf("%s=%s", guest.DataPathEnv, guest.DataDir),
	}
}
