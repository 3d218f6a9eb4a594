package mem

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Path   string
}

// Contains reports whether addr lies inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// ParseMaps parses the /proc/<pid>/maps format.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed maps range %q", fields[0])
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps start %q: %w", bounds[0], err)
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps end %q: %w", bounds[1], err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps offset %q: %w", fields[2], err)
		}
		m := Mapping{
			Start:  uintptr(start),
			End:    uintptr(end),
			Perms:  fields[1],
			Offset: offset,
		}
		// Field 5 onwards: path, which may contain spaces.
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uintptr) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
