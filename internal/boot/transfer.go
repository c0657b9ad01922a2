package boot

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/deploy"
	"github.com/haatos/simple-lava/internal/device"
)

const (
	DefaultDownloadCommand = "wget -q"
	DefaultUnpackCommand   = "tar -C / -xzf"
)

// matches the expanded exit status, never the "$?" of the command line
var transferStatus = regexp.MustCompile(`lava-overlay-transfer:(\d+)`)

// TransferOverlay has the device download the compressed test overlay
// from the dispatcher and unpack it over its shell.
type TransferOverlay struct {
	*action.BaseAction
}

func NewTransferOverlay() *TransferOverlay {
	return &TransferOverlay{BaseAction: action.NewBaseAction(
		"transfer-overlay",
		"transfer the test overlay to the device over its shell",
		"download and unpack the lava overlay",
	)}
}

// commands returns the download and unpack commands of the stanza or of
// the device dictionary, and whether either asked for a transfer.
func (a *TransferOverlay) commands() (device.TransferOverlay, bool) {
	var cmds device.TransferOverlay
	if dev := a.Job().Device; dev != nil {
		cmds = dev.Constants.TransferOverlay
	}
	if stanza := a.Parameters().Map("transfer_overlay"); stanza != nil {
		cmds.DownloadCommand = stanza.StringOr("download_command", cmds.DownloadCommand)
		cmds.UnpackCommand = stanza.StringOr("unpack_command", cmds.UnpackCommand)
	}
	configured := cmds.DownloadCommand != "" || cmds.UnpackCommand != ""
	if cmds.DownloadCommand == "" {
		cmds.DownloadCommand = DefaultDownloadCommand
	}
	if cmds.UnpackCommand == "" {
		cmds.UnpackCommand = DefaultUnpackCommand
	}
	return cmds, configured
}

func (a *TransferOverlay) Validate() error {
	if _, configured := a.commands(); configured && a.Job().ArtifactURL == "" {
		a.AddError("%s: transfer_overlay needs LAVA_ARTIFACT_URL to serve the overlay", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *TransferOverlay) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	job := a.Job()
	ns := a.NamespaceState()
	if ns.OverlayDir == "" && ns.OverlayTarball == "" {
		a.Logger.Debug().Str("namespace", ns.Name).Msg("no test overlay to transfer")
		return conn, nil
	}
	if job.ArtifactURL == "" {
		a.Logger.Debug().Msg("overlay is not served, skipping transfer")
		return conn, nil
	}
	if conn == nil {
		return conn, action.NewJobError("%s: no connection available", a.Name())
	}
	tarball := ns.OverlayTarball
	if tarball == "" {
		var err error
		if tarball, err = deploy.CompressOverlay(ns); err != nil {
			return conn, err
		}
	}
	rel, err := filepath.Rel(job.TmpDir, tarball)
	if err != nil || strings.HasPrefix(rel, "..") {
		return conn, action.NewInfrastructureError("%s: overlay %s is outside %s", a.Name(), tarball, job.TmpDir)
	}
	url := strings.TrimSuffix(job.ArtifactURL, "/") + "/" + filepath.ToSlash(rel)
	cmds, _ := a.commands()
	file := shellescape.Quote(filepath.Base(tarball))
	cmd := fmt.Sprintf(
		"rm -f %s; %s %s && %s %s; echo \"lava-overlay-transfer:$?\"",
		file, cmds.DownloadCommand, shellescape.Quote(url), cmds.UnpackCommand, file,
	)
	if err := conn.Sendline(ctx, cmd, a.CharacterDelay); err != nil {
		return conn, action.NewConnectionClosedError("%s: %v", a.Name(), err)
	}
	timeout := action.RemainingTime(a.Timeout.Duration, maxEndTime)
	m, err := conn.Expect(ctx, []*regexp.Regexp{transferStatus}, timeout)
	if err != nil {
		if action.KindOf(err) == action.KindTimeout {
			return conn, action.NewTimeoutError("%s: no transfer status within %s", a.Name(), timeout)
		}
		return conn, action.NewConnectionClosedError("%s: %v", a.Name(), err)
	}
	if status := m.Groups[1]; status != "0" {
		return conn, action.NewInfrastructureError("%s: fetching %s failed with status %s", a.Name(), url, status)
	}
	if _, err := a.Wait(ctx, conn, maxEndTime); err != nil {
		return conn, err
	}
	a.Data["overlay url"] = url
	a.Logger.Info().Str("url", url).Msg("overlay transferred")
	return conn, nil
}
