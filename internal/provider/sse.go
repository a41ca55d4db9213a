package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const dataPrefix = "data: "

// lineReader yields one line at a time from the response body. Only the
// current partial line is buffered between reads.
type lineReader struct {
	r   *bufio.Reader
	eof bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// next returns the next line without its terminator. A final line that is
// not newline-terminated is still returned before io.EOF.
func (l *lineReader) next() (string, error) {
	if l.eof {
		return "", io.EOF
	}
	line, err := l.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			l.eof = true
			if line != "" {
				return strings.TrimRight(line, "\r\n"), nil
			}
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type frameKind int

const (
	frameIgnored frameKind = iota
	frameDone
	frameMalformed
	frameJSON
)

// classifyFrame extracts the payload of a "data: " line.
func classifyFrame(line string) (frameKind, string) {
	if !strings.HasPrefix(line, dataPrefix) {
		return frameIgnored, ""
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "[DONE]" {
		return frameDone, payload
	}
	if !gjson.Valid(payload) {
		return frameMalformed, payload
	}
	return frameJSON, payload
}

// extractText returns the value at the first path holding a non-null value.
func extractText(payload string, paths []string) (string, bool) {
	for _, p := range paths {
		r := gjson.Get(payload, p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type != gjson.String || r.Str == "" {
			return "", false
		}
		return r.Str, true
	}
	return "", false
}

func extractTokens(payload string, paths []string) (int, bool) {
	for _, p := range paths {
		r := gjson.Get(payload, p)
		if r.Type == gjson.Number {
			return int(r.Int()), true
		}
	}
	return 0, false
}
