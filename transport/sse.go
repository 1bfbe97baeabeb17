package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Event names used on the SSE stream.
const (
	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

// event is one dispatched server-sent event.
type event struct {
	name string
	data string
	id   string
}

// writeEvent encodes one event. Multi-line data is split into several
// data fields so that the receiver reassembles it byte-for-byte.
func writeEvent(w io.Writer, name string, data []byte) error {
	var buf bytes.Buffer
	if name != "" {
		fmt.Fprintf(&buf, "event: %s\n", name)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// writeComment writes a comment line, used as a keep-alive.
func writeComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// eventReader decodes a text/event-stream body.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next event. Comment-only blocks are skipped.
func (er *eventReader) next() (event, error) {
	var (
		ev      event
		data    []string
		hasData bool
	)

	for {
		line, err := er.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return event{}, io.EOF
			}
			if err != io.EOF {
				return event{}, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData || ev.name != "" {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
			if err == io.EOF {
				return event{}, io.EOF
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			ev.id = value
		}

		if err == io.EOF {
			return event{}, io.EOF
		}
	}
}
