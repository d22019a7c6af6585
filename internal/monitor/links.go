package monitor

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Links builds the externally visible URLs placed in notifications and on
// the status page.
type Links struct {
	Domain string
	Port   int
	Prefix string
}

func (l Links) base() string {
	host := l.Domain
	if l.Port > 0 {
		host = net.JoinHostPort(l.Domain, strconv.Itoa(l.Port))
	}
	prefix := strings.Trim(l.Prefix, "/")
	if prefix == "" {
		return "http://" + host
	}
	return "http://" + host + "/" + prefix
}

// Screenshot returns the URL serving the named evidence artifact.
func (l Links) Screenshot(name string) string {
	return l.base() + "/screenshots/" + url.PathEscape(name)
}

// Update returns the forced-check URL.
func (l Links) Update() string { return l.base() + "/update" }

// Latest returns the status page URL.
func (l Links) Latest() string { return l.base() + "/latest" }
