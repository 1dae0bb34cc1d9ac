// Command runner_recovery_drill exercises supervisor crash recovery against
// a real state directory. Run "prepare" in one process, kill it, then run
// "recover" in a fresh process and check the verdict.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-foreman/internal/supervisor"
)

const drillTaskID = "recovery-drill"

func main() {
	mode := flag.String("mode", "", "prepare|recover")
	baseDir := flag.String("base", "", "runner state directory")
	flag.Parse()

	if *mode == "" || *baseDir == "" {
		fmt.Fprintln(os.Stderr, "mode and base are required")
		os.Exit(2)
	}

	sup := supervisor.New(supervisor.Options{BaseDir: *baseDir})
	if err := sup.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}

	switch *mode {
	case "prepare":
		rec, err := sup.Start(supervisor.StartRequest{
			ID:      drillTaskID,
			Command: "sleep 600",
			Replace: true,
			Force:   true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "start: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s PID=%d\n", rec.ID, rec.PID)
		// Hold the process open; the drill kills this process with SIGKILL
		// (and the child separately) to simulate a gateway crash.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		rec, err := sup.Status(drillTaskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%s status=%s pid=%d\n", rec.ID, rec.Status, rec.PID)
		if rec.Status == supervisor.StatusRunning || rec.Status == supervisor.StatusPending {
			fmt.Println("VERDICT=FAIL (non-terminal record survived recovery)")
			os.Exit(1)
		}
		fmt.Println("VERDICT=PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
