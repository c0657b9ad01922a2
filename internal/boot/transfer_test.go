package boot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/strategy"
	"github.com/haatos/simple-lava/testutil"
)

// prepareOverlay lays out an uncompressed overlay the way a null deploy
// leaves it.
func prepareOverlay(t *testing.T, job *action.Job) {
	t.Helper()
	ns := job.Namespace(action.DefaultNamespace)
	ns.OverlayDir = filepath.Join(job.TmpDir, "overlay-common", "lava-42")
	require.NoError(t, os.MkdirAll(filepath.Join(ns.OverlayDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ns.OverlayDir, "bin", "lava-test-runner"), []byte("#!/bin/sh\n"), 0o755))
}

// transferLine returns the sent line fetching the overlay.
func transferLine(tr *testutil.ScriptedTransport) string {
	for _, l := range tr.Lines() {
		if strings.Contains(l, "lava-overlay-transfer") {
			return l
		}
	}
	return ""
}

func TestTransferOverlay(t *testing.T) {
	t.Run("success - minimal boot downloads and unpacks the overlay", func(t *testing.T) {
		// arrange
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`^#$`, prompt).Respond(`^#$`, prompt).Respond(`^#$`, prompt)
		tr.Respond(`lava-overlay-transfer`, "lava-overlay-transfer:0\n")
		job, _ := newBootJob(t, newBoard(), tr)
		job.ArtifactURL = "http://10.0.0.5/tmp/"
		prepareOverlay(t, job)
		r := strategy.NewRegistry()
		Register(r)
		params := action.Parameters{
			"method": "minimal",
			"transfer_overlay": map[string]any{
				"download_command": "cd /tmp && wget -S",
				"unpack_command":   "tar -C / -xzf",
			},
		}
		s, err := r.Select(strategy.SectionBoot, job.Device, params)
		require.NoError(t, err)
		job.Pipeline().Add(s.New(params), params)
		require.NoError(t, job.Validate())

		// act
		_, err = job.Pipeline().Run(context.Background(), nil, time.Now().Add(10*time.Second))

		// assert
		require.NoError(t, err)
		tarball := job.Namespace(action.DefaultNamespace).OverlayTarball
		require.NotEmpty(t, tarball)
		file := filepath.Base(tarball)
		assert.Equal(t,
			"rm -f "+file+"; cd /tmp && wget -S http://10.0.0.5/tmp/"+file+
				" && tar -C / -xzf "+file+`; echo "lava-overlay-transfer:$?"`,
			transferLine(tr),
		)
	})

	t.Run("success - device dictionary commands are used", func(t *testing.T) {
		// arrange
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`lava-overlay-transfer`, "lava-overlay-transfer:0\n").Respond(`^#$`, prompt)
		dev := newBoard()
		dev.Constants.TransferOverlay = device.TransferOverlay{
			DownloadCommand: "curl -sO",
			UnpackCommand:   "tar -C / -xf",
		}
		job, _ := newBootJob(t, dev, tr)
		job.ArtifactURL = "http://10.0.0.5/tmp"
		prepareOverlay(t, job)
		a := NewTransferOverlay()
		job.Pipeline().Add(a, action.Parameters{"method": "minimal"})
		require.NoError(t, job.Validate())

		// act
		_, err := a.Run(context.Background(), testutil.NewShell(tr, "root@bbb:~#"), time.Now().Add(5*time.Second))

		// assert
		require.NoError(t, err)
		line := transferLine(tr)
		assert.Contains(t, line, "; curl -sO http://10.0.0.5/tmp/overlay-")
		assert.Contains(t, line, " && tar -C / -xf overlay-")
	})

	t.Run("success - nothing is sent when the overlay is not served", func(t *testing.T) {
		// arrange
		tr := testutil.NewScriptedTransport("")
		job, _ := newBootJob(t, newBoard(), tr)
		prepareOverlay(t, job)
		a := NewTransferOverlay()
		job.Pipeline().Add(a, action.Parameters{"method": "minimal"})
		require.NoError(t, job.Validate())

		// act
		_, err := a.Run(context.Background(), testutil.NewShell(tr, "root@bbb:~#"), time.Now().Add(time.Second))

		// assert
		require.NoError(t, err)
		assert.Empty(t, tr.Lines())
	})

	t.Run("fail - download error on the device", func(t *testing.T) {
		// arrange
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`lava-overlay-transfer`, "wget: server returned error: HTTP/1.1 404\nlava-overlay-transfer:8\n")
		job, _ := newBootJob(t, newBoard(), tr)
		job.ArtifactURL = "http://10.0.0.5/tmp"
		prepareOverlay(t, job)
		a := NewTransferOverlay()
		job.Pipeline().Add(a, action.Parameters{"method": "minimal"})
		require.NoError(t, job.Validate())

		// act
		_, err := a.Run(context.Background(), testutil.NewShell(tr, "root@bbb:~#"), time.Now().Add(5*time.Second))

		// assert
		assert.Equal(t, action.KindInfrastructure, action.KindOf(err))
		assert.ErrorContains(t, err, "status 8")
	})

	t.Run("fail - transfer commands without an artifact url", func(t *testing.T) {
		// arrange
		job, _ := newBootJob(t, newBoard(), testutil.NewScriptedTransport(""))
		a := NewTransferOverlay()
		job.Pipeline().Add(a, action.Parameters{
			"method":           "minimal",
			"transfer_overlay": map[string]any{"download_command": "wget"},
		})

		// act
		err := a.Validate()

		// assert
		assert.NoError(t, err)
		require.Len(t, a.Errors(), 1)
		assert.Contains(t, a.Errors()[0], "LAVA_ARTIFACT_URL")
	})
}
