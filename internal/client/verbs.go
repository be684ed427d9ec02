package client

import (
	"classcast/internal/dispatch"
)

// BindVerbs installs the student command set on the dispatcher.
func (c *Client) BindVerbs(d *dispatch.Dispatcher, quit func()) {
	d.Register("upload", "upload <path>", func(args []string) dispatch.Result {
		if len(args) != 1 {
			return dispatch.Fail("usage: upload <path>")
		}
		if err := c.Upload(args[0]); err != nil {
			return dispatch.Fail("%v", err)
		}
		return dispatch.Ok("uploaded %s", args[0])
	})
	d.Register("mute", "mute", func([]string) dispatch.Result {
		if err := c.SetMuted(true); err != nil {
			return dispatch.Fail("%v", err)
		}
		return dispatch.Ok("audio muted")
	})
	d.Register("unmute", "unmute", func([]string) dispatch.Result {
		if err := c.SetMuted(false); err != nil {
			return dispatch.Fail("%v", err)
		}
		return dispatch.Ok("audio unmuted")
	})
	d.Register("quit", "quit", func([]string) dispatch.Result {
		quit()
		return dispatch.Ok("disconnecting")
	})
}
