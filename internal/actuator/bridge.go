package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/serialmux"
)

var logf = monitoring.Prefixed("actuator")

// ErrUnavailable marks a command the controller could not be reached for.
var ErrUnavailable = errors.New("actuator unavailable")

// Bridge delivers one command to a controller.
type Bridge interface {
	Send(ctx context.Context, cmd Command) error
	Close() error
}

// heads resolves the controller head names of a signal command. Lanes with
// no configured head are skipped.
func heads(names map[string]string, c SetSignal) []string {
	out := make([]string, 0, len(c.Lanes))
	for _, l := range c.Lanes {
		if n, ok := names[l]; ok && n != "" {
			out = append(out, n)
		}
	}
	return out
}

// SerialBridge writes "<head>,<color>,<state>" and "mode,<mode>" lines to a
// controller on a serial line.
type SerialBridge struct {
	mux   serialmux.Mux
	names map[string]string
}

// NewSerialBridge sends through mux. names maps lane id to head name.
func NewSerialBridge(mux serialmux.Mux, names map[string]string) *SerialBridge {
	return &SerialBridge{mux: mux, names: names}
}

func (b *SerialBridge) Send(ctx context.Context, cmd Command) error {
	var lines []string
	switch c := cmd.(type) {
	case SetSignal:
		for _, h := range heads(b.names, c) {
			lines = append(lines, fmt.Sprintf("%s,%s,%d", h, wireColor(c.Color), wireState(c.On)))
		}
	case SetMode:
		lines = append(lines, "mode,"+c.Mode.String())
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}

	var errs []error
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.mux.SendCommand(l); err != nil {
			errs = append(errs, fmt.Errorf("%w: write %q: %v", ErrUnavailable, l, err))
		}
	}
	return errors.Join(errs...)
}

// Watch logs controller output until ctx is done or the mux closes. Lines
// the firmware reports as errors are logged with the controller's text.
func (b *SerialBridge) Watch(ctx context.Context) {
	id, lines := b.mux.Subscribe()
	defer b.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if serialmux.ClassifyLine(line) == serialmux.LineError {
				logf("controller rejected command: %s", line)
			}
		}
	}
}

func (b *SerialBridge) Close() error { return b.mux.Close() }

// HTTPBridge drives a network controller with
// GET <base>/control?lane=<head>&color=<color>&state=<0|1> and
// GET <base>/mode?set=<manual|auto>.
type HTTPBridge struct {
	client  httputil.HTTPClient
	base    string
	names   map[string]string
	timeout time.Duration
}

// NewHTTPBridge targets baseURL. A non-positive timeout uses 500ms per
// request.
func NewHTTPBridge(client httputil.HTTPClient, baseURL string, names map[string]string, timeout time.Duration) *HTTPBridge {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &HTTPBridge{
		client:  client,
		base:    strings.TrimRight(baseURL, "/"),
		names:   names,
		timeout: timeout,
	}
}

func (b *HTTPBridge) Send(ctx context.Context, cmd Command) error {
	var reqs []string
	switch c := cmd.(type) {
	case SetSignal:
		for _, h := range heads(b.names, c) {
			q := url.Values{}
			q.Set("lane", h)
			q.Set("color", wireColor(c.Color))
			q.Set("state", fmt.Sprint(wireState(c.On)))
			reqs = append(reqs, b.base+"/control?"+q.Encode())
		}
	case SetMode:
		reqs = append(reqs, b.base+"/mode?set="+c.Mode.String())
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}

	var errs []error
	for _, u := range reqs {
		if err := b.get(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *HTTPBridge) get(ctx context.Context, u string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, req.URL.Path, resp.StatusCode)
	}
	return nil
}

func (b *HTTPBridge) Close() error { return nil }

// LogBridge stands in for a controller when actuation is disabled.
type LogBridge struct{}

func (LogBridge) Send(_ context.Context, cmd Command) error {
	logf("(disabled) %v", cmd)
	return nil
}

func (LogBridge) Close() error { return nil }
