package pipeline

import "github.com/alanyoungcy/breakoutsim/internal/domain"

// Dashboard states reported by the status API.
const (
	StateNoData           = "no_data"
	StateFeedDisconnected = "feed_disconnected"
	StateFeedFailed       = "feed_failed"
	StateKillSwitch       = "kill_switch_active"
	StateRunning          = "running"
)

// DashboardState folds data presence, feed health and the kill switch into
// the single state an observer shows. The kill switch outranks feed trouble,
// which outranks an empty session.
func DashboardState(hasData bool, feed domain.FeedState, killSwitch bool) string {
	switch {
	case killSwitch:
		return StateKillSwitch
	case feed == domain.FeedStateFailed:
		return StateFeedFailed
	case feed == domain.FeedStateDisconnected || feed == domain.FeedStateReconnecting:
		return StateFeedDisconnected
	case !hasData:
		return StateNoData
	default:
		return StateRunning
	}
}
