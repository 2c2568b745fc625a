package guest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelArgsPointAtInit(t *testing.T) {
	require.Contains(t, KernelArgs(), "init="+InitPath)
	require.Contains(t, KernelArgs(), "panic=1")
}

func TestPayloadArgv(t *testing.T) {
	argv := PayloadArgv()
	require.Equal(t, []string{PayloadInterpreter, PayloadPath}, argv)
}
