package hostbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alantheprice/commentgen/pkg/utils"
)

// maxMessageSize bounds one inbound line. Whole-buffer opens can be large.
const maxMessageSize = 8 * 1024 * 1024

// ServeStdio runs the protocol over r and w, one JSON object per line, until
// r reaches EOF or ctx is cancelled. The session is closed on return.
func ServeStdio(ctx context.Context, r io.Reader, w io.Writer, factory SessionFactory, logger *utils.Logger) error {
	if logger == nil {
		logger = utils.GetLogger()
	}
	var wmu sync.Mutex
	enc := json.NewEncoder(w)
	send := func(m Message) error {
		wmu.Lock()
		defer wmu.Unlock()
		return enc.Encode(m)
	}

	br := NewBridge(send, logger)
	s, err := br.Connect(factory)
	if err != nil {
		return err
	}
	defer s.Close()
	logger.Log("hostbridge: stdio session started")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			br.fail(Message{Type: "parse"}, fmt.Errorf("invalid message: %w", err))
			continue
		}
		br.Handle(m)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			br.fail(Message{Type: "parse"}, fmt.Errorf("message larger than %d bytes", maxMessageSize))
		}
		return err
	}
	logger.Log("hostbridge: stdio closed")
	return nil
}
