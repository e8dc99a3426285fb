package display

import (
	"encoding/base64"
	"fmt"
	"io"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// kittyEncoder writes PNG data as kitty graphics escapes. Payloads over
// chunkSize are split, with m=1 on every chunk but the last.
type kittyEncoder struct {
	out     io.Writer
	columns int
}

func newKittyEncoder(out io.Writer, columns int) *kittyEncoder {
	return &kittyEncoder{out: out, columns: columns}
}

func (e *kittyEncoder) Encode(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := splitIntoChunks(encoded, chunkSize)

	for i, chunk := range chunks {
		params := ""
		if i == 0 {
			params = e.header()
		}
		if len(chunks) > 1 {
			more := "m=1"
			if i == len(chunks)-1 {
				more = "m=0"
			}
			if params != "" {
				params += ","
			}
			params += more
		}

		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, params, chunk, escapeEnd); err != nil {
			return err
		}
	}
	return nil
}

func (e *kittyEncoder) header() string {
	h := "a=T,f=100,q=2"
	if e.columns > 0 {
		h += fmt.Sprintf(",c=%d", e.columns)
	}
	return h
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		n := min(size, len(s))
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}
