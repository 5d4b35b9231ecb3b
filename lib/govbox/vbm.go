// Package virtualbox drives VirtualBox through the VBoxManage command line
// tool. Session locks are tracked in process; the VM process of a running
// machine counts as a held session.
package virtualbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/golang/glog"
	vboxerr "github.com/hyperhq/govbox/errors"
)

var (
	VBM string // Path to VBoxManage utility.
)

func init() {
	VBM = "VBoxManage"
	if p := os.Getenv("VBOX_INSTALL_PATH"); p != "" && runtime.GOOS == "windows" {
		VBM = filepath.Join(p, "VBoxManage.exe")
	}
}

var (
	reVMNameUUID      = regexp.MustCompile(`"(.+)" {([0-9a-f-]+)}`)
	reVMInfoLine      = regexp.MustCompile(`(?:"(.+)"|(.+))=(?:"(.*)"|(.*))`)
	reColonLine       = regexp.MustCompile(`(.+?):\s+(.*)`)
	reMachineNotFound = regexp.MustCompile(`Could not find a registered machine (?:named|with UUID) '?\{?([^'}]+)`)
	reResultCode      = regexp.MustCompile(`code (\w+) \(0x[0-9a-fA-F]+\)`)
	reErrorLine       = regexp.MustCompile(`VBoxManage(?:\.exe)?: error: (.+)`)
)

var (
	ErrVBMNotFound = errors.New("VBoxManage not found")
)

// runner executes VBoxManage with args and returns its stdout and stderr.
type runner func(ctx context.Context, vbm string, args ...string) (string, string, error)

func execRunner(ctx context.Context, vbm string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, vbm, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ee, ok := err.(*exec.Error); ok && ee.Err == exec.ErrNotFound {
			err = ErrVBMNotFound
		}
	}
	return stdout.String(), stderr.String(), err
}

func (d *Driver) vbm(ctx context.Context, args ...string) error {
	_, err := d.vbmOut(ctx, args...)
	return err
}

func (d *Driver) vbmOut(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := d.vbmOutErr(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return stdout, ctx.Err()
		}
		return stdout, resultError(stderr, err)
	}
	return stdout, nil
}

func (d *Driver) vbmOutErr(ctx context.Context, args ...string) (string, string, error) {
	glog.V(2).Infof("executing: %v %v", d.VBM, strings.Join(args, " "))
	stdout, stderr, err := d.run(ctx, d.VBM, args...)
	if err != nil {
		glog.V(2).Infof("%v %v failed: %v: %s", d.VBM, args[0], err, strings.TrimSpace(stderr))
	}
	return stdout, stderr, err
}

// resultError turns the complaint VBoxManage printed on stderr into a
// result error carrying the reported result code.
func resultError(stderr string, err error) error {
	if err == ErrVBMNotFound || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	text := ""
	for _, line := range strings.Split(stderr, "\n") {
		res := reErrorLine.FindStringSubmatch(line)
		if res == nil || strings.HasPrefix(res[1], "Details:") || strings.HasPrefix(res[1], "Context:") {
			continue
		}
		text = strings.TrimSpace(res[1])
		break
	}
	if text == "" {
		text = strings.TrimSpace(stderr)
	}
	if text == "" {
		text = err.Error()
	}

	if res := reResultCode.FindStringSubmatch(stderr); res != nil {
		return vboxerr.NewResult(res[1], "%s", text)
	}
	if reMachineNotFound.MatchString(stderr) {
		return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "%s", text)
	}
	return vboxerr.NewResult(vboxerr.ResultFail, "%s", text)
}

func bool2string(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
