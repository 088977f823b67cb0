// Command signal-test drives a signal controller's serial line by hand: pick
// one of the twelve head/color commands, type a custom line, or tail the
// controller's output.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/signal.control/internal/serialmux"
	"github.com/banshee-data/signal.control/internal/version"
)

var (
	port     = flag.String("port", "/dev/ttyACM0", "Serial port of the signal controller")
	baud     = flag.Int("baud", serialmux.DefaultBaudRate, "Baud rate")
	window   = flag.Duration("reply-window", time.Second, "How long to collect controller replies after a command")
	showVers = flag.Bool("version", false, "Print version and exit")
)

type menuItem struct {
	key     string
	command string
	label   string
}

var menu = buildMenu()

func buildMenu() []menuItem {
	var items []menuItem
	n := 1
	for _, head := range []string{"north", "south", "east", "west"} {
		for _, color := range []string{"green", "yellow", "red"} {
			items = append(items, menuItem{
				key:     fmt.Sprint(n),
				command: fmt.Sprintf("%s,%s,1", head, color),
				label:   fmt.Sprintf("%s - %s", strings.ToUpper(color[:1])+color[1:], strings.ToUpper(head[:1])+head[1:]),
			})
			n++
		}
	}
	return items
}

type tester struct {
	mux    serialmux.Mux
	in     *bufio.Scanner
	out    io.Writer
	window time.Duration

	lines chan string
}

func newTester(mux serialmux.Mux, in io.Reader, out io.Writer, window time.Duration) *tester {
	_, lines := mux.Subscribe()
	return &tester{mux: mux, in: bufio.NewScanner(in), out: out, window: window, lines: lines}
}

func (t *tester) printMenu() {
	rule := strings.Repeat("=", 50)
	fmt.Fprintf(t.out, "\n%s\nSIGNAL CONTROLLER TESTER\n%s\n", rule, rule)
	for _, it := range menu {
		fmt.Fprintf(t.out, "  %2s. %s\n", it.key, it.label)
	}
	fmt.Fprintf(t.out, "  %2s. Start Serial Monitor\n", "s")
	fmt.Fprintf(t.out, "  %2s. Custom Command\n", "c")
	fmt.Fprintf(t.out, "  %2s. Quit\n%s\n", "q", rule)
}

func (t *tester) readLine(prompt string) (string, bool) {
	fmt.Fprint(t.out, prompt)
	if !t.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(t.in.Text()), true
}

// drain discards controller output that arrived before the next command.
func (t *tester) drain() {
	for {
		select {
		case <-t.lines:
		default:
			return
		}
	}
}

// send writes one command and prints whatever the controller answers within
// the reply window.
func (t *tester) send(command string) {
	t.drain()
	fmt.Fprintf(t.out, "\nSending: %s\n", command)
	if err := t.mux.SendCommand(command); err != nil {
		fmt.Fprintf(t.out, "Error: %v\n", err)
		return
	}

	replies := 0
	deadline := time.After(t.window)
	for {
		select {
		case line, ok := <-t.lines:
			if !ok {
				fmt.Fprintln(t.out, "   serial line closed")
				return
			}
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(t.out, "   <- %s\n", line)
				replies++
			}
		case <-deadline:
			if replies == 0 {
				fmt.Fprintln(t.out, "   No response from controller")
			}
			return
		}
	}
}

// monitor prints controller output until the user presses Enter.
func (t *tester) monitor() {
	fmt.Fprintln(t.out, "\nSerial Monitor (press Enter to exit)")
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case line, ok := <-t.lines:
				if !ok {
					return
				}
				fmt.Fprintln(t.out, line)
			}
		}
	}()
	t.in.Scan()
	close(stop)
	<-done
	fmt.Fprintln(t.out, "Exited serial monitor")
}

// run is the menu loop. It returns when the user quits or input ends.
func (t *tester) run() {
	for {
		t.printMenu()
		choice, ok := t.readLine("Select option: ")
		if !ok {
			return
		}
		switch choice = strings.ToLower(choice); choice {
		case "q":
			fmt.Fprintln(t.out, "Goodbye!")
			return
		case "c":
			cmd, ok := t.readLine("Enter command (e.g., north,green,1): ")
			if !ok {
				return
			}
			if cmd != "" {
				t.send(cmd)
			}
		case "s":
			t.monitor()
		default:
			found := false
			for _, it := range menu {
				if it.key == choice {
					t.send(it.command)
					found = true
					break
				}
			}
			if !found {
				fmt.Fprintln(t.out, "Invalid option")
			}
		}
	}
}

func main() {
	flag.Parse()
	if *showVers {
		fmt.Println("signal-test", version.String())
		return
	}

	mux, err := serialmux.Open(*port, serialmux.PortOptions{BaudRate: *baud})
	if err != nil {
		log.Fatalf("failed to connect: %v (is the controller on %s?)", err, *port)
	}
	defer mux.Close()
	fmt.Printf("Connected to %s\n", *port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := mux.Monitor(ctx); err != nil && ctx.Err() == nil {
			log.Printf("serial monitor stopped: %v", err)
		}
	}()

	// the loop ends on q, on end of input, or when a signal closes the port
	go func() {
		<-ctx.Done()
		mux.Close()
		os.Stdin.Close()
	}()
	newTester(mux, os.Stdin, os.Stdout, *window).run()
}
