// Package caddyfile reads the hostnames a Caddyfile serves and renders the
// Caddyfile the control plane pushes to a VPS.
package caddyfile

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Hosts returns the sorted, de-duplicated hostnames of every top-level site
// block. Global options, snippets, matchers and bare ports are skipped.
func Hosts(content string) []string {
	seen := make(map[string]bool)
	depth := 0

	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}

		if depth == 0 {
			header := line
			if i := strings.Index(header, "{"); i >= 0 {
				header = header[:i]
			}
			for _, addr := range strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
				if h := hostOf(addr); h != "" {
					seen[h] = true
				}
			}
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
	}

	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// hostOf extracts a hostname from a site address like "https://a.example.com:443".
func hostOf(addr string) string {
	if strings.HasPrefix(addr, "(") || strings.HasPrefix(addr, "@") || addr == "import" {
		return ""
	}
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	addr = strings.TrimSuffix(strings.ToLower(addr), ".")
	if addr == "" || !strings.Contains(addr, ".") || net.ParseIP(addr) != nil {
		return ""
	}
	if strings.ContainsAny(addr, "{}$") {
		return ""
	}
	return addr
}

// Site is one rendered site block.
type Site struct {
	Hostnames []string
	Upstream  string
}

// Render generates a Caddyfile with one reverse_proxy block per site, sorted by first hostname.
func Render(sites []Site) string {
	sorted := make([]Site, 0, len(sites))
	for _, s := range sites {
		if len(s.Hostnames) == 0 {
			continue
		}
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hostnames[0] < sorted[j].Hostnames[0] })

	var b strings.Builder
	b.WriteString("# Managed by rotadominios\n")
	b.WriteString("# Auto-generated - DO NOT EDIT MANUALLY\n")
	for _, s := range sorted {
		b.WriteString("\n")
		b.WriteString(strings.Join(s.Hostnames, ", "))
		b.WriteString(" {\n")
		b.WriteString(fmt.Sprintf("\treverse_proxy %s\n", s.Upstream))
		b.WriteString("}\n")
	}
	return b.String()
}
