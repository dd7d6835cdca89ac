// Package fallback selects the next acquisition option to try after a retryable
// failure.
//
// Options are tried strictly left-to-right and each is attempted at most once
// per acquisition. Deciding whether a failure is retryable at all is left to
// the caller.
package fallback

// Next returns the option following index 'tried' along with its index.
//
// The returned 'ok' is false once 'tried' was the last option in 'options',
// meaning every option has been attempted.
func Next[T any](options []T, tried int) (next T, index int, ok bool) {
	index = tried + 1
	if tried < -1 || index >= len(options) {
		return next, len(options), false
	}
	return options[index], index, true
}

// Attempts iterates 'options' in order, calling 'try' for each one until it
// returns 'false' (stop) or the options are exhausted.
//
// The return value reports how many options were attempted.
func Attempts[T any](options []T, try func(index int, option T) (more bool)) int {
	attempted := 0
	if len(options) == 0 {
		return attempted
	}
	option, index := options[0], 0
	for {
		attempted++
		if !try(index, option) {
			return attempted
		}
		var ok bool
		if option, index, ok = Next(options, index); !ok {
			return attempted
		}
	}
}
