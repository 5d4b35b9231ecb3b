package vbox

import (
	"context"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

// Medium is a disk, DVD or floppy image known to the platform.
type Medium struct {
	mgr  *Manager
	info driver.MediumInfo
}

func newMedium(mgr *Manager, info *driver.MediumInfo) *Medium {
	return &Medium{mgr: mgr, info: *info}
}

func (md *Medium) ID() string                    { return md.info.ID }
func (md *Medium) Location() string              { return md.info.Location }
func (md *Medium) Name() string                  { return md.info.Name }
func (md *Medium) DeviceType() driver.DeviceType { return md.info.DeviceType }

func (md *Medium) IsHardDisk() bool {
	return md.info.DeviceType == driver.DeviceHardDisk
}

func (md *Medium) String() string {
	return md.info.Location
}

// Close makes the platform forget the medium. The image file stays.
func (md *Medium) Close(ctx context.Context) error {
	if err := md.mgr.driver.CloseMedium(ctx, md.info.ID); err != nil {
		return vboxerr.Translate(err)
	}
	md.mgr.Log(hlog.DEBUG, "closed medium %s", md.info.Location)
	return nil
}

// Attachment is a device slot of a storage controller, with or without a
// medium.
type Attachment struct {
	Controller string
	Port       int
	Device     int
	Type       driver.DeviceType
	Medium     *Medium
}
