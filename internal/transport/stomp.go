package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	cmdConnect    = "CONNECT"
	cmdConnected  = "CONNECTED"
	cmdSubscribe  = "SUBSCRIBE"
	cmdSend       = "SEND"
	cmdMessage    = "MESSAGE"
	cmdReceipt    = "RECEIPT"
	cmdError      = "ERROR"
	cmdDisconnect = "DISCONNECT"

	stompVersion = "1.2"
)

var errEmptyFrame = errors.New("stomp: empty frame")

// stompFrame is one STOMP 1.2 frame. Header order is not preserved; the
// first occurrence of a repeated header wins, as the protocol requires.
type stompFrame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func newFrame(command string, headers ...string) stompFrame {
	frame := stompFrame{Command: command, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		frame.Headers[headers[i]] = headers[i+1]
	}
	return frame
}

func (f stompFrame) header(key string) string {
	return f.Headers[key]
}

// encode renders the frame. CONNECT headers are left unescaped, every other
// command escapes them.
func (f stompFrame) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	keys := make([]string, 0, len(f.Headers))
	for key := range f.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	escape := f.Command != cmdConnect && f.Command != cmdConnected
	for _, key := range keys {
		value := f.Headers[key]
		if escape {
			key, value = escapeHeader(key), escapeHeader(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Headers["content-length"]; !ok {
			buf.WriteString("content-length:")
			buf.WriteString(strconv.Itoa(len(f.Body)))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// decodeFrame parses a single frame from one WebSocket message. A message
// made only of end-of-line bytes is a heart-beat and yields errEmptyFrame.
func decodeFrame(data []byte) (stompFrame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return stompFrame{}, errEmptyFrame
	}
	headerEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd, sepLen = crlf, 4
	}
	var head, rest []byte
	if headerEnd < 0 {
		// A frame without headers or body, e.g. "RECEIPT\n\x00".
		head = bytes.TrimRight(data, "\x00\r\n")
	} else {
		head = data[:headerEnd]
		rest = data[headerEnd+sepLen:]
	}
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	frame := stompFrame{Command: strings.TrimSpace(lines[0]), Headers: make(map[string]string, len(lines)-1)}
	if frame.Command == "" {
		return stompFrame{}, fmt.Errorf("stomp: missing command")
	}
	unescape := frame.Command != cmdConnect && frame.Command != cmdConnected
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return stompFrame{}, fmt.Errorf("stomp: malformed header %q", line)
		}
		key, value := line[:idx], line[idx+1:]
		if unescape {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return stompFrame{}, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return stompFrame{}, err
			}
		}
		if _, seen := frame.Headers[key]; !seen {
			frame.Headers[key] = value
		}
	}
	if rest == nil {
		return frame, nil
	}
	if raw, ok := frame.Headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 || n > len(rest) {
			return stompFrame{}, fmt.Errorf("stomp: bad content-length %q", raw)
		}
		frame.Body = append([]byte(nil), rest[:n]...)
		return frame, nil
	}
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	frame.Body = append([]byte(nil), rest...)
	return frame, nil
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: undefined escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
