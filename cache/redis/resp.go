package redis

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// replyError is an error reply from the server. The connection stays usable.
type replyError string

func (e replyError) Error() string { return "redis: " + string(e) }

var errMalformed = errors.New("redis: malformed reply")

// writeCommand encodes args as a RESP array of bulk strings. Write errors are
// sticky on bufio.Writer and surface on Flush.
func writeCommand(w *bufio.Writer, args []string) {
	var num [20]byte
	w.WriteByte('*')
	w.Write(strconv.AppendInt(num[:0], int64(len(args)), 10))
	w.WriteString("\r\n")
	for _, arg := range args {
		w.WriteByte('$')
		w.Write(strconv.AppendInt(num[:0], int64(len(arg)), 10))
		w.WriteString("\r\n")
		w.WriteString(arg)
		w.WriteString("\r\n")
	}
}

// readReply decodes one RESP2 value: simple strings as string, integers as
// int64, bulk strings as []byte, arrays as []any and nil bulk/array as nil.
// An error reply is returned as replyError after the whole value is consumed.
func readReply(r *bufio.Reader) (any, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errMalformed
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return string(body), nil
	case '-':
		return nil, replyError(body)
	case ':':
		return parseInt(body)
	case '$':
		n, err := parseInt(body)
		if err != nil || n < 0 {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return nil, errMalformed
		}
		return buf[:n], nil
	case '*':
		n, err := parseInt(body)
		if err != nil || n < 0 {
			return nil, err
		}
		items := make([]any, n)
		var first error
		for i := range items {
			v, err := readReply(r)
			var re replyError
			switch {
			case errors.As(err, &re):
				if first == nil {
					first = re
				}
			case err != nil:
				return nil, err
			}
			items[i] = v
		}
		return items, first
	default:
		return nil, fmt.Errorf("redis: unsupported reply type %q", line[0])
	}
}

// readLine returns the next CRLF-terminated line without its terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errMalformed
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: bad integer %q: %w", b, err)
	}
	return n, nil
}

func asInt(resp any) (int64, error) {
	if n, ok := resp.(int64); ok {
		return n, nil
	}
	return 0, fmt.Errorf("redis: want integer reply, got %T", resp)
}

// asStrings flattens an array of bulk strings. A nil array is empty.
func asStrings(resp any) ([]string, error) {
	if resp == nil {
		return nil, nil
	}
	items, ok := resp.([]any)
	if !ok {
		return nil, fmt.Errorf("redis: want array reply, got %T", resp)
	}
	out := make([]string, len(items))
	for i, item := range items {
		b, ok := item.([]byte)
		if !ok {
			return nil, fmt.Errorf("redis: want bulk string at %d, got %T", i, item)
		}
		out[i] = string(b)
	}
	return out, nil
}
