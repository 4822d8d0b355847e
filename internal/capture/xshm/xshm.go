// Package xshm captures an X11 root window through MIT-SHM and reports the
// cursor, including its bitmap, through XFixes.
package xshm

// Backend opens the root window of one X display.
type Backend struct {
	// Display is the X display name (":0"). Empty uses $DISPLAY.
	Display string
}

func (Backend) Name() string { return "xshm" }
