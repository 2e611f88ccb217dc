package orchestrator

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"
)

// ParseSegmentURLs returns the media segment URLs of an m3u8 playlist in
// playlist order: every non-blank line that is not a tag or comment,
// resolved against the playlist's own URL. A line that is not a valid URL
// reference keeps its slot unresolved, so fetching it fails and only that
// segment is dropped.
func ParseSegmentURLs(manifestURL, content string) ([]string, error) {
	base, err := url.Parse(strings.TrimSpace(manifestURL))
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}

	var out []string
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			out = append(out, line)
			continue
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoSegments
	}
	return out, nil
}
