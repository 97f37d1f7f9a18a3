// ABOUTME: Publication policy deciding which members belong on the site
// ABOUTME: Pure and deterministic given a member and an evaluation instant
package sync

import (
	"time"

	"github.com/harperreed/membersync/models"
)

// StatusOnline is the only registry status that qualifies for publication.
const StatusOnline = "Online"

// ShouldPublish reports whether a member belongs on the public site at the
// given instant. A member qualifies when its status is Online, it is marked
// visible, and its effective-to date (when present and parseable) has not
// passed. An unparseable effective-to is treated as absent rather than
// excluding the member.
func ShouldPublish(m models.Member, now time.Time) bool {
	if m.Status != StatusOnline {
		return false
	}
	if !m.VisibleOnSite {
		return false
	}
	if m.EffectiveTo == "" {
		return true
	}
	until, err := models.ParseTimestamp(m.EffectiveTo)
	if err != nil {
		return true
	}
	return !until.Before(now)
}
