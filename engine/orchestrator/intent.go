package orchestrator

import (
	"strconv"
	"strings"
)

// intent is the coarse classification of a turn. Unambiguous keywords
// are recognized before the extractor is invoked; everything else is
// data for extraction.
type intent string

const (
	intentData    intent = "data"
	intentSkip    intent = "skip"
	intentDone    intent = "done"
	intentConfirm intent = "confirm"
	intentReset   intent = "reset"
	intentSelect  intent = "select"
)

var confirmWords = map[string]bool{
	"yes": true, "ok": true, "okay": true, "sure": true, "confirm": true,
	"looks good": true, "yes please": true, "sounds good": true, "yep": true,
}

var doneWords = map[string]bool{
	"done": true, "finish": true, "finalize": true, "finished": true,
}

// classify recognizes explicit commands. selection returns the 1-based
// option number for bare numeric replies.
func classify(message string) (intent, int) {
	msg := strings.ToLower(strings.TrimSpace(message))
	msg = strings.TrimRight(msg, ".!")

	switch {
	case msg == "reset" || msg == "restart" || msg == "start over":
		return intentReset, 0
	case msg == "skip":
		return intentSkip, 0
	case doneWords[msg]:
		return intentDone, 0
	case confirmWords[msg]:
		return intentConfirm, 0
	}
	if n, err := strconv.Atoi(msg); err == nil && n >= 1 && n <= 9 {
		return intentSelect, n
	}
	return intentData, 0
}
