// Package portcheck flags test URLs that use a port Sauce Connect does not proxy.
package portcheck

import (
	"regexp"
	"slices"
	"strconv"
)

// SupportedPorts lists the localhost ports proxied by Sauce Connect.
// See https://saucelabs.com/docs/connect#localhost
var SupportedPorts = []int{
	80, 443, 888, 2000, 2001, 2020, 2109, 2222, 2310, 3000, 3001, 3030,
	3210, 3333, 4000, 4001, 4040, 4321, 4502, 4503, 4567, 5000, 5001, 5050, 5555, 5432, 6000,
	6001, 6060, 6666, 6543, 7000, 7070, 7774, 7777, 8000, 8001, 8003, 8031, 8080, 8081, 8765,
	8888, 9000, 9001, 9080, 9090, 9876, 9877, 9999, 49221, 55001,
}

var portRegexp = regexp.MustCompile(`:(\d+)/`)

// Result is the outcome of a port check.
type Result int

const (
	Supported Result = iota
	Unsupported
)

func (r Result) String() string {
	if r == Unsupported {
		return "unsupported"
	}
	return "supported"
}

// Port returns the first `:port/` token of url, if any.
// ok is false when there is no such token or it does not fit in an int.
func Port(url string) (port int, ok bool) {
	m := portRegexp.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return port, true
}

// Check classifies url. A URL without a port token, or with port 0, is Supported.
func Check(url string) Result {
	if !portRegexp.MatchString(url) {
		return Supported
	}
	port, ok := Port(url)
	if ok && port == 0 {
		return Supported
	}
	if !ok || !slices.Contains(SupportedPorts, port) {
		return Unsupported
	}
	return Supported
}

// IsUnsupported reports whether url uses a port that is not proxied.
func IsUnsupported(url string) bool {
	return Check(url) == Unsupported
}
