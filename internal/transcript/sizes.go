package transcript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// numberWords maps spoken number words to their values. Tens and units are
// merged during run assembly ("fifty five" becomes 55).
var numberWords = map[string]int{
	"zero": 0, "oh": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// sizeMarkers are filler tokens that appear inside a spoken tyre size and
// carry no digits ("two oh five BY fifty five ARE sixteen").
var sizeMarkers = map[string]bool{
	"r": true, "are": true, "by": true, "slash": true, "on": true,
}

// compactSizeRe matches a size already written as one token, in any of the
// common separator spellings ("205/55r16", "205-55-16", "205/55 R16" after
// token joining).
var compactSizeRe = regexp.MustCompile(`^(\d{3})[/-]?(\d{2})[ /-]?[rR]?(\d{2})$`)

// validSize checks the assembled numbers against the ranges of passenger and
// light-truck tyres. Width and aspect ratio come in steps of five.
func validSize(width, aspect, rim int) bool {
	return width >= 125 && width <= 355 && width%5 == 0 &&
		aspect >= 25 && aspect <= 85 && aspect%5 == 0 &&
		rim >= 10 && rim <= 24
}

func formatSize(width, aspect, rim int) string {
	return fmt.Sprintf("%d/%dR%d", width, aspect, rim)
}

// CanonicalizeSizes rewrites tyre sizes spoken in words or loose digits into
// the catalogue notation ("two fifteen fifty five are seventeen" becomes
// "215/55R17"). Runs that do not assemble into a plausible size are left
// untouched, so prices and quantities survive unchanged.
func CanonicalizeSizes(text string) string {
	tokens := strings.Fields(text)
	var out []string

	for i := 0; i < len(tokens); {
		// Single-token compact form.
		if m := compactSizeRe.FindStringSubmatch(tokens[i]); m != nil {
			width, _ := strconv.Atoi(m[1])
			aspect, _ := strconv.Atoi(m[2])
			rim, _ := strconv.Atoi(m[3])
			if validSize(width, aspect, rim) {
				out = append(out, formatSize(width, aspect, rim))
				i++
				continue
			}
		}

		// Multi-token run of numbers and markers.
		end := i
		for end < len(tokens) && isSizeToken(tokens[end]) {
			end++
		}
		if canonical, assembled := assembleSize(tokens[i:end]); assembled {
			out = append(out, canonical)
			i = end
			continue
		}

		out = append(out, tokens[i])
		i++
	}
	return strings.Join(out, " ")
}

func isSizeToken(tok string) bool {
	lower := strings.ToLower(strings.Trim(tok, ".,!?"))
	if sizeMarkers[lower] {
		return true
	}
	if _, isWord := numberWords[lower]; isWord {
		return true
	}
	for _, r := range lower {
		if r < '0' || r > '9' {
			return false
		}
	}
	return lower != ""
}

// assembleSize concatenates the digits of a token run and tries to read them
// as width(3) aspect(2) rim(2). "oh" inside a spoken number is already "zero"
// by the time it reaches the run ("two oh five" arrives as "two zero five").
func assembleSize(run []string) (string, bool) {
	if len(run) < 2 {
		return "", false
	}

	var digits strings.Builder
	pendingTens := -1
	flush := func(v int) {
		if pendingTens >= 0 {
			if v >= 1 && v < 10 {
				digits.WriteString(strconv.Itoa(pendingTens + v))
				pendingTens = -1
				return
			}
			digits.WriteString(strconv.Itoa(pendingTens))
			pendingTens = -1
		}
		if v >= 0 {
			if v%10 == 0 && v >= 20 {
				pendingTens = v
				return
			}
			digits.WriteString(strconv.Itoa(v))
		}
	}

	for _, tok := range run {
		lower := strings.ToLower(strings.Trim(tok, ".,!?"))
		if sizeMarkers[lower] {
			continue
		}
		if v, isWord := numberWords[lower]; isWord {
			if v == 0 {
				// Spoken "oh"/"zero" is a literal digit, never a tens prefix.
				flush(-1)
				digits.WriteString("0")
				continue
			}
			flush(v)
			continue
		}
		flush(-1)
		digits.WriteString(lower)
	}
	flush(-1)

	s := digits.String()
	if len(s) != 7 {
		return "", false
	}
	width, _ := strconv.Atoi(s[0:3])
	aspect, _ := strconv.Atoi(s[3:5])
	rim, _ := strconv.Atoi(s[5:7])
	if !validSize(width, aspect, rim) {
		return "", false
	}
	return formatSize(width, aspect, rim), true
}
