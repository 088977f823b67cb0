package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/banshee-data/signal.control/internal/monitoring"
)

var logf = monitoring.Prefixed("serial")

// dryRunHistory is how many discarded lines DisabledSerialMux keeps for its
// debug page.
const dryRunHistory = 64

// DisabledSerialMux is a dry-run serial line for running without controller
// hardware. Command lines are logged and kept in a short history instead of
// being written, and every subscriber receives the "ok <line>" echo the
// firmware would print, so the rest of the process sees a well-behaved
// controller.
type DisabledSerialMux struct {
	mu      sync.Mutex
	subs    map[string]chan string
	sent    []string
	closing bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: make(map[string]chan string)}
}

// Subscribe returns a buffered channel of echoes. After Close it returns an
// already closed channel.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subs[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

// SendCommand records line and echoes it. Echoes to a subscriber whose
// buffer is full are dropped.
func (d *DisabledSerialMux) SendCommand(line string) error {
	line = strings.TrimSpace(line)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return fmt.Errorf("%w: serial line closed", ErrWriteFailed)
	}
	logf("dry run: %s", line)
	d.sent = append(d.sent, line)
	if len(d.sent) > dryRunHistory {
		d.sent = d.sent[len(d.sent)-dryRunHistory:]
	}
	for _, ch := range d.subs {
		select {
		case ch <- "ok " + line:
		default:
		}
	}
	return nil
}

// Sent returns the retained command lines, oldest first.
func (d *DisabledSerialMux) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// Monitor has no port to read and just waits for ctx.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	return nil
}

// AttachAdminRoutes serves the dry-run history as plain text on
// /debug/signal-disabled.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/signal-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		sent := d.Sent()
		fmt.Fprintf(w, "serial line disabled; %d recent commands discarded\n", len(sent))
		for _, l := range sent {
			fmt.Fprintln(w, l)
		}
	})
}
