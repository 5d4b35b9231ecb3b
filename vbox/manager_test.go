package vbox

import (
	"context"

	"github.com/hyperhq/govbox/types"

	. "gopkg.in/check.v1"
)

type ManagerSuite struct{}

var _ = Suite(&ManagerSuite{})

func (s *ManagerSuite) TestDialMemory(c *C) {
	cfg := types.DefaultVBoxConfig()
	cfg.Driver = types.DriverMemory
	mgr, err := Dial(cfg)
	c.Assert(err, IsNil)
	defer mgr.Close()

	c.Assert(mgr.Driver().Name(), Equals, "memory")
	ms, err := mgr.Machines(context.Background())
	c.Assert(err, IsNil)
	c.Assert(ms, HasLen, 0)
	known, err := mgr.Known(context.Background())
	c.Assert(err, IsNil)
	c.Assert(known, HasLen, 0)
}

func (s *ManagerSuite) TestDialUnknownDriver(c *C) {
	cfg := types.DefaultVBoxConfig()
	cfg.Driver = "qemu"
	_, err := Dial(cfg)
	c.Assert(err, NotNil)
}

func (s *ManagerSuite) TestReopenWithoutCatalog(c *C) {
	cfg := types.DefaultVBoxConfig()
	cfg.Driver = types.DriverMemory
	mgr, err := Dial(cfg)
	c.Assert(err, IsNil)
	defer mgr.Close()

	_, err = mgr.Reopen(context.Background(), "anything")
	c.Assert(err, NotNil)
}
