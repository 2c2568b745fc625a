package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velora-hq/sandbox/lib/guest"
)

// writeTestFile creates a file with content under dir and returns its path.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// requiredLayers returns file layers that satisfy the compose invariant:
// init and payload present at their fixed paths.
func requiredLayers(t *testing.T) []Layer {
	t.Helper()
	srcDir := t.TempDir()
	return []Layer{
		&FileLayer{LayerName: "payload", Entries: []FileEntry{
			{Source: writeTestFile(t, srcDir, "agent.py", "print('agent')"), Dest: guest.PayloadPath, Mode: 0755},
		}},
		&FileLayer{LayerName: "init", Entries: []FileEntry{
			{Source: writeTestFile(t, srcDir, "init", "\x7fELF"), Dest: guest.InitPath, Mode: 0755},
		}},
	}
}

func TestComposeLastWriteWins(t *testing.T) {
	srcDir := t.TempDir()
	first := writeTestFile(t, srcDir, "first", "first layer bytes")
	second := writeTestFile(t, srcDir, "second", "second layer bytes")

	layers := []Layer{
		&FileLayer{LayerName: "early", Entries: []FileEntry{
			{Source: first, Dest: "/bin/agent", Mode: 0755},
		}},
		&FileLayer{LayerName: "late", Entries: []FileEntry{
			{Source: second, Dest: "/bin/agent", Mode: 0755},
		}},
	}
	layers = append(layers, requiredLayers(t)...)

	root := t.TempDir()
	require.NoError(t, Compose(context.Background(), root, layers))

	got, err := os.ReadFile(filepath.Join(root, "bin/agent"))
	require.NoError(t, err)
	require.Equal(t, "second layer bytes", string(got))
}

func TestComposeMissingInit(t *testing.T) {
	srcDir := t.TempDir()
	layers := []Layer{
		&FileLayer{LayerName: "payload", Entries: []FileEntry{
			{Source: writeTestFile(t, srcDir, "agent.py", "x"), Dest: guest.PayloadPath, Mode: 0755},
		}},
	}

	err := Compose(context.Background(), t.TempDir(), layers)
	require.ErrorIs(t, err, ErrInitMissing)
}

func TestComposeMissingPayload(t *testing.T) {
	srcDir := t.TempDir()
	layers := []Layer{
		&FileLayer{LayerName: "init", Entries: []FileEntry{
			{Source: writeTestFile(t, srcDir, "init", "x"), Dest: guest.InitPath, Mode: 0755},
		}},
	}

	err := Compose(context.Background(), t.TempDir(), layers)
	require.ErrorIs(t, err, ErrPayloadMissing)
}

func TestDataLayerCopiesTree(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "AAPL"), 0755))
	writeTestFile(t, filepath.Join(dataDir, "AAPL"), "2024.csv", "date,open,close\n")

	layers := append([]Layer{&DataLayer{SourceDir: dataDir}}, requiredLayers(t)...)

	root := t.TempDir()
	require.NoError(t, Compose(context.Background(), root, layers))

	got, err := os.ReadFile(filepath.Join(root, guest.DataDir, "AAPL/2024.csv"))
	require.NoError(t, err)
	require.Equal(t, "date,open,close\n", string(got))
}

func TestFileLayerFingerprintTracksContent(t *testing.T) {
	srcDir := t.TempDir()
	src := writeTestFile(t, srcDir, "agent.py", "v1")

	layer := &FileLayer{LayerName: "payload", Entries: []FileEntry{
		{Source: src, Dest: guest.PayloadPath, Mode: 0755},
	}}
	fp1 := layer.Fingerprint()
	require.Equal(t, fp1, layer.Fingerprint())

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0644))
	require.NotEqual(t, fp1, layer.Fingerprint())
}

func TestPythonDepsLayerFingerprint(t *testing.T) {
	a := &PythonDepsLayer{Requirements: "rich==13.0\n"}
	b := &PythonDepsLayer{Requirements: "rich==13.1\n"}
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	require.Equal(t, a.Fingerprint(), (&PythonDepsLayer{Requirements: "rich==13.0\n"}).Fingerprint())
}

func TestEmptyLayersAreNoOps(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, (&PackagesLayer{}).Apply(context.Background(), root))
	require.NoError(t, (&PythonDepsLayer{Requirements: "  \n"}).Apply(context.Background(), root))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}
