package peerconfig

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/Asort97/wgVpnBot/clients/models"
)

const allowedIPsAll = "0.0.0.0/0"

// ParseError names the line that made a stored config unreadable. Line is
// zero when the problem is a missing field rather than a bad line.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	where := e.Path
	if where == "" {
		where = "config"
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", where, e.Reason)
	}
	return fmt.Sprintf("%s:%d: %s: %q", where, e.Line, e.Reason, e.Text)
}

// Render produces the client config text handed to the user.
func Render(p models.PeerProfile) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "# PublicKey = %s\n", p.PublicKey)
	fmt.Fprintf(&b, "Address = %s\n", p.Address)
	fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowedIPsAll)
	return b.String()
}

// Parse reads a config produced by Render. Address and the commented client
// public key are required, the other fields are taken when present.
func Parse(r io.Reader) (models.PeerProfile, error) {
	var (
		p       models.PeerProfile
		section string
		lineNo  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return p, &ParseError{Line: lineNo, Text: raw, Reason: "unterminated section header"}
			}
			section = strings.ToLower(strings.Trim(line, "[]"))
			if section != "interface" && section != "peer" {
				return p, &ParseError{Line: lineNo, Text: raw, Reason: "unknown section"}
			}
			continue
		}

		comment := false
		if strings.HasPrefix(line, "#") {
			comment = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			if comment {
				continue
			}
			return p, &ParseError{Line: lineNo, Text: raw, Reason: "expected key = value"}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if comment {
			// the only comment that carries data
			if section == "interface" && strings.EqualFold(key, "PublicKey") {
				p.PublicKey = value
			}
			continue
		}

		switch section {
		case "interface":
			switch strings.ToLower(key) {
			case "privatekey":
				p.PrivateKey = value
			case "address":
				addr, err := parseAddress(value)
				if err != nil {
					return p, &ParseError{Line: lineNo, Text: raw, Reason: err.Error()}
				}
				p.Address = addr
			case "dns":
				p.DNS = value
			}
		case "peer":
			switch strings.ToLower(key) {
			case "publickey":
				p.ServerPublicKey = value
			case "endpoint":
				p.ServerEndpoint = value
			}
		default:
			return p, &ParseError{Line: lineNo, Text: raw, Reason: "field outside of a section"}
		}
	}
	if err := sc.Err(); err != nil {
		return p, fmt.Errorf("read config: %w", err)
	}

	if !p.Address.IsValid() {
		return p, &ParseError{Reason: "missing Address"}
	}
	if p.PublicKey == "" {
		return p, &ParseError{Reason: "missing # PublicKey"}
	}
	return p, nil
}

// parseAddress accepts both "10.0.0.7" and "10.0.0.7/32".
func parseAddress(s string) (netip.Addr, error) {
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad address: %v", err)
		}
		return pfx.Addr(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bad address: %v", err)
	}
	return addr, nil
}
