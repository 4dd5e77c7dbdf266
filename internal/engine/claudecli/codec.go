// ABOUTME: NDJSON framing for the CLI's stdin/stdout with a per-line size cap.
// ABOUTME: The encoder is safe for concurrent use by the input pump and permission replies.

package claudecli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MaxLineSize bounds a single stdout line. Tool results echo file contents,
// so this is well above typical message sizes.
const MaxLineSize = 16 * 1024 * 1024

type encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{writer: bufio.NewWriter(w)}
}

func (e *encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

type decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

func newDecoder(r io.Reader, logger *slog.Logger) *decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &decoder{scanner: scanner, logger: logger}
}

// Decode reads the next non-empty line into v. Lines that are not valid JSON
// are logged and skipped. Returns io.EOF at end of input.
func (d *decoder) Decode(v *outputMessage) error {
	for d.scanner.Scan() {
		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		*v = outputMessage{}
		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Warn("skipping undecodable line",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			continue
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
	}
	return io.EOF
}
