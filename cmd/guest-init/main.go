// Package main implements the init binary that runs as PID 1 inside guest
// VMs booted from images produced by mkrootfs.
//
// Boot is a linear three-step sequence: mount /proc, mount /sys, exec the
// payload. There is no supervisor above PID 1, so every failure is fatal:
// init logs the error to the serial console and powers the guest off so
// the VM monitor observes a clean exit instead of a kernel panic.
package main

import (
	"os"

	"golang.org/x/sys/unix"
)

func main() {
	log := NewLogger()
	log.Info("boot", "init starting")

	seq := newSequence(log)
	if err := seq.run(); err != nil {
		log.Error("boot", "boot sequence failed", err)
		powerOff()
	}

	// Unreachable: a successful run replaces this process with the payload.
	log.Error("boot", "exec returned without error", nil)
	powerOff()
}

// powerOff shuts the guest down. PID 1 must not simply exit (the kernel
// panics), so sync and ask the kernel for a power-off instead.
func powerOff() {
	unix.Sync()
	unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	// Reboot only returns on error; nothing left to do but exit and let
	// the kernel panic surface to the host.
	os.Exit(1)
}
