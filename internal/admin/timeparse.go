package admin

import (
	"errors"
	"strings"
	"time"

	naturaldate "github.com/tj/go-naturaldate"
)

var errBadTime = errors.New("I don't understand when you want me to do that")

// parseWhen turns a user-supplied timespec into a delay from now. Go
// duration syntax is tried first ("90s", "1h30m"), then natural language
// ("2 hours", "tomorrow at noon"); bare phrases get an "in " prefix retry
// since people write "quiet him 2 hours" as often as "in 2 hours".
func parseWhen(s string, now time.Time) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errBadTime
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < minDelay {
			d = minDelay
		}
		return d, nil
	}

	at, err := naturaldate.Parse(s, now, naturaldate.WithDirection(naturaldate.Future))
	if err != nil {
		at, err = naturaldate.Parse("in "+s, now, naturaldate.WithDirection(naturaldate.Future))
	}
	if err != nil || !at.After(now) {
		return 0, errBadTime
	}

	d := at.Sub(now)
	if d < minDelay {
		d = minDelay
	}
	return d, nil
}
