package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEDialer opens a server-sent-events stream; each data event is one message
type SSEDialer struct {
	URL    string
	Header http.Header
	Client *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range d.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		// no overall timeout: the stream is long-lived
		client = &http.Client{}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", d.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: status %d: %s", d.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &sseConn{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseConn struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

// ReadMessage returns the data of the next event; multi-line data fields
// are joined with newlines and comment/heartbeat lines are skipped.
func (c *sseConn) ReadMessage(ctx context.Context) ([]byte, error) {
	var data []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if len(data) > 0 && err == io.EOF {
				return []byte(strings.Join(data, "\n")), nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (c *sseConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.body.Close()
	})
	return err
}
