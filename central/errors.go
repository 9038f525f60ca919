package central

import "errors"

// Precondition violations are surfaced as distinct errors so callers can
// render "already in that state" instead of a generic failure. They are never
// retried automatically.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrAlreadyActive = errors.New("node already in blackout")
	ErrNotActive     = errors.New("node not in blackout")
	ErrNoOpenEpisode = errors.New("no open blackout episode")
)
