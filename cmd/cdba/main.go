// Command cdba is the controller binary: it spawns the agent over ssh
// (or, for local testing, any other command that speaks the framed
// protocol on its stdin/stdout) and drives one board session to
// completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jangala-dev/cdba-go/controller"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host              = flag.String("h", "", "ssh host running cdba-server (required unless -exec is given)")
		sshBin            = flag.String("ssh", "ssh", "ssh binary to invoke")
		execCmd           = flag.String("exec", "", "run this command instead of ssh, for local testing")
		board             = flag.String("b", "", "board id to select")
		image             = flag.String("i", "", "fastboot image to upload when the board enumerates")
		listDevices       = flag.Bool("D", false, "list known boards and exit")
		boardInfo         = flag.Bool("B", false, "print the selected board's descriptor and exit")
		repeat            = flag.Bool("r", false, "re-upload the image on every fastboot enumeration")
		powerCycles       = flag.Int("c", -1, "number of shutdown-marker power cycles to perform (-1: unlimited)")
		cycleOnTimeout    = flag.Bool("C", false, "treat a timeout like a shutdown marker instead of exiting")
		totalTimeout      = flag.Duration("t", controller.DefaultTotalTimeout, "total session timeout")
		inactivityTimeout = flag.Duration("T", 0, "inactivity timeout (0: disabled)")
		statusFifo        = flag.String("s", "", "fifo path to copy STATUS_UPDATE lines to")
	)
	flag.Parse()

	if *board == "" && !*listDevices {
		fmt.Fprintln(os.Stderr, "cdba: -b <board> is required")
		return 2
	}

	argv := sshArgs(*sshBin, *host, *execCmd)
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "cdba: -h <host> or -exec <command> is required")
		return 2
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	wc, err := cmd.StdinPipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdba: %v\n", err)
		return 1
	}
	rc, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdba: %v\n", err)
		return 1
	}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "cdba: %v\n", err)
		return 1
	}

	rf, ok1 := rc.(*os.File)
	wf, ok2 := wc.(*os.File)
	if !ok1 || !ok2 {
		fmt.Fprintln(os.Stderr, "cdba: agent transport is not backed by a pipe fd")
		cmd.Process.Kill()
		return 1
	}

	stdin := -1
	if f := os.Stdin; f != nil {
		stdin = int(f.Fd())
	}

	cfg := controller.Config{
		BoardID:           *board,
		ImagePath:         *image,
		Repeat:            *repeat,
		PowerCycles:       *powerCycles,
		CycleOnTimeout:    *cycleOnTimeout,
		TotalTimeout:      *totalTimeout,
		InactivityTimeout: *inactivityTimeout,
		StatusFifoPath:    *statusFifo,
		ListDevices:       *listDevices,
		BoardInfo:         *boardInfo,
		Stdin:             stdin,
		Stdout:            os.Stdout,
	}

	ctrl, err := controller.New(cfg, int(rf.Fd()), int(wf.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdba: %v\n", err)
		cmd.Process.Kill()
		return 1
	}

	code := ctrl.Run(context.Background())

	wf.Close()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cmd.Process.Kill()
		<-done
	}

	return code
}

// sshArgs builds the child command line: execCmd via the shell if given
// (for local testing without a real ssh hop), otherwise
// "<sshBin> <host> cdba-server".
func sshArgs(sshBin, host, execCmd string) []string {
	if execCmd != "" {
		return append([]string{"/bin/sh", "-c"}, execCmd)
	}
	if host == "" {
		return nil
	}
	return []string{sshBin, host, "cdba-server"}
}
