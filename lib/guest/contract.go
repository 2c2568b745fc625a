// Package guest defines the boot contract between the image builder and
// the guest init binary: the fixed in-image paths both sides agree on,
// and the kernel arguments the VM monitor boots the image with.
package guest

import "fmt"

const (
	// InitPath is where the builder installs the init binary and where the
	// kernel is told to find PID 1.
	InitPath = "/sbin/init"

	// PayloadInterpreter and PayloadPath form the payload invocation. The
	// payload is the strategy agent; init execs it with no extra arguments.
	PayloadInterpreter = "/usr/bin/python3"
	PayloadPath        = "/opt/agent/agent.py"

	// DataDir is the baked-in historical data directory. The payload finds
	// it through DataPathEnv.
	DataDir     = "/code/historical_data"
	DataPathEnv = "DATA_PATH"

	// ProcMountPoint and SysMountPoint are the pseudo-filesystem mount
	// points init brings up before exec'ing the payload.
	ProcMountPoint = "/proc"
	SysMountPoint  = "/sys"
)

// KernelArgs returns the boot arguments the VM monitor passes to the guest
// kernel. reboot=k panic=1 makes a PID 1 exit observable to the host
// instead of hanging the guest.
func KernelArgs() string {
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=%s", InitPath)
}

// PayloadArgv returns the argv init execs once the pseudo-filesystems are
// mounted.
func PayloadArgv() []string {
	return []string{PayloadInterpreter, PayloadPath}
}
