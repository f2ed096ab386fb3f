package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// Callback is one scheduled self-delivery extracted from message content.
type Callback struct {
	DelaySeconds int
	Payload      string
}

// MaxCallbackSeconds caps how far out a callback marker may schedule.
const MaxCallbackSeconds = 24 * 60 * 60

var callbackMarker = regexp.MustCompile(`@@cb:(\d+)s@@`)

// ExtractCallbacks parses inline "@@cb:<N>s@@<payload>" markers out of
// message content. A payload runs from its marker to the next marker or end
// of string. The returned stripped text is everything before the first
// marker; when the message is only callbacks it is empty and nothing should
// be broadcast. Delays are clamped to [1, MaxCallbackSeconds].
func ExtractCallbacks(content string) (string, []Callback) {
	locs := callbackMarker.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return content, nil
	}

	stripped := strings.TrimRight(content[:locs[0][0]], " \t")
	callbacks := make([]Callback, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		delay, err := strconv.Atoi(content[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		if delay < 1 {
			delay = 1
		}
		if delay > MaxCallbackSeconds {
			delay = MaxCallbackSeconds
		}
		payload := strings.TrimSpace(content[loc[1]:end])
		callbacks = append(callbacks, Callback{DelaySeconds: delay, Payload: payload})
	}
	return stripped, callbacks
}
