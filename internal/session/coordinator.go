package session

import (
	"regexp"
	"sync/atomic"
)

// Coordinator tracks whether a logout is underway. Requests consult it at every
// resumption point and discard their results while it is set.
type Coordinator struct {
	loggingOut atomic.Bool
}

// NewCoordinator creates a coordinator with no logout in progress.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// BeginLogout marks a logout as in progress. It returns false if one already was.
func (c *Coordinator) BeginLogout() bool {
	return c.loggingOut.CompareAndSwap(false, true)
}

// EndLogout clears the logout flag.
func (c *Coordinator) EndLogout() {
	c.loggingOut.Store(false)
}

// IsLogoutInProgress reports the current flag value.
func (c *Coordinator) IsLogoutInProgress() bool {
	return c.loggingOut.Load()
}

var mobileUA = regexp.MustCompile(`(?i)android|webos|iphone|ipad|ipod|blackberry|iemobile|opera mini|mobile`)

// IsMobileUserAgent reports whether ua looks like a mobile browser or app.
// Mobile agents cannot rely on the HTTP-only refresh cookie and carry the refresh token in the body.
func IsMobileUserAgent(ua string) bool {
	return mobileUA.MatchString(ua)
}
