package actsync

import "strings"

// permanentTopLevels never trip the -t "bad top level name" check
// (actsync.c TOP_CHECK: junk, control, to, test, general).
var permanentTopLevels = map[string]bool{
	"junk": true, "control": true, "to": true, "test": true, "general": true,
}

// badGroupName reports whether name fails the structural rules of
// bad_grpname() in actsync.c: ASCII alphanumerics plus `. + - _`, no
// leading/doubled/trailing dot, optional per-hierarchy depth cap
// (maxDepth, -g), and optional all-numeric-last-component rejection
// (numCheck, -d).
func badGroupName(name string, maxDepth int, numCheck bool) bool {
	if len(name) == 0 || name[0] > 127 {
		return true
	}
	var nonNum bool
	switch {
	case isAlpha(name[0]):
		nonNum = true
	case isDigit(name[0]):
		nonNum = false
	default:
		return true
	}

	level := 0
	i := 1
	for i < len(name) {
		c := name[i]
		if c > 127 {
			return true
		}
		switch {
		case isAlpha(c):
			nonNum = true
			i++
			continue
		case isDigit(c):
			i++
			continue
		case c == '+' || c == '-' || c == '_':
			nonNum = true
			i++
			continue
		case c == '.':
			if maxDepth > 0 {
				level++
				if level > maxDepth {
					return true
				}
			}
			if (!numCheck || nonNum) && i+1 < len(name) && isAlnum(name[i+1]) {
				nonNum = isAlpha(name[i+1])
				i += 2
				continue
			}
			return true
		default:
			return true
		}
	}
	if numCheck && !nonNum {
		return true
	}
	return false
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlnum(c byte) bool { return isAlpha(c) || isDigit(c) }

// watermarkDigits reports whether s is all-ASCII-digit and within
// WATER_LEN (10 chars), matching the hi/low-field checks in actsync.c.
func watermarkDigits(s string) bool {
	if len(s) == 0 || len(s) > 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// isBorkGroup detects a "*.bork.bork.bork" name: its last component
// repeated three times consecutively (CHECK_BORK in actsync.c).
func isBorkGroup(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return false
	}
	n := len(parts)
	return parts[n-1] == parts[n-2] && parts[n-2] == parts[n-3]
}

// ParseLine parses one active-file line ("name high low type") into a
// Group, or reports ok=false for a malformed line (wrong field count).
func ParseLine(line string, host HostID, lineNum int) (g *Group, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return nil, false
	}
	return &Group{
		Name:    fields[0],
		High:    fields[1],
		Low:     fields[2],
		Type:    fields[3],
		Host:    host,
		LineNum: lineNum,
	}, true
}

// Sanitize applies the structural validity checks of actsync.c's
// get_active() to g, setting g.Ignore on failure. numCheck and
// topCheck select the -d/-t behaviors for g's host.
func Sanitize(g *Group, opts Options) {
	numCheck := (g.Host == Host1 && opts.NumHost1) || (g.Host == Host2 && opts.NumHost2)
	topCheck := (g.Host == Host1 && opts.TopHost1) || (g.Host == Host2 && opts.TopHost2)
	borkCheck := (g.Host == Host1 && opts.BorkHost1) || (g.Host == Host2 && opts.BorkHost2)

	if badGroupName(g.Name, opts.MaxDepth, numCheck) {
		g.Ignore |= ErrorBadname
		return
	}
	if opts.MaxNameLen > 0 && len(g.Name) > opts.MaxNameLen {
		g.Ignore |= ErrorBadname
		return
	}
	if topCheck && !permanentTopLevels[g.Name] && !strings.Contains(g.Name, ".") {
		g.Ignore |= ErrorBadname
		return
	}
	if borkCheck && isBorkGroup(g.Name) {
		g.Ignore |= CheckBork
	}
	if !watermarkDigits(g.High) || !watermarkDigits(g.Low) {
		g.Ignore |= ErrorFormat
		return
	}

	switch g.Type[0] {
	case 'y', 'm', 'j', 'n', 'x':
		if len(g.Type) != 1 {
			g.Ignore |= ErrorBadtype
			return
		}
	case '=':
		if len(g.Type) < 2 {
			g.Ignore |= ErrorBadtype
			return
		}
		target := g.Type[1:]
		if badGroupName(target, opts.MaxDepth, numCheck) {
			g.Ignore |= ErrorEqname
			return
		}
		if opts.MaxNameLen > 0 && len(target) > opts.MaxNameLen {
			g.Ignore |= ErrorEqname
			return
		}
	default:
		g.Ignore |= ErrorBadtype
	}
}
