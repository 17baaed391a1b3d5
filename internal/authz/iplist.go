// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"net"
	"strings"
)

// IPList is an allow-list of addresses and CIDR blocks. An empty list allows
// everyone.
type IPList struct {
	nets []*net.IPNet
	ips  map[string]bool
}

// NewIPList parses entries; each is an IP ("10.0.0.5") or a CIDR
// ("10.0.0.0/8"). Unparseable entries are ignored.
func NewIPList(entries []string) *IPList {
	l := &IPList{ips: map[string]bool{}}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, ipnet, err := net.ParseCIDR(e); err == nil {
				l.nets = append(l.nets, ipnet)
			}
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			l.ips[ip.String()] = true
		}
	}
	return l
}

// Empty reports whether no entries were configured.
func (l *IPList) Empty() bool { return len(l.nets) == 0 && len(l.ips) == 0 }

// Allowed reports whether addr passes the list. An empty list allows all.
func (l *IPList) Allowed(addr string) bool {
	if l.Empty() {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if l.ips[ip.String()] {
		return true
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
