package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the Valve server is running",
		Long:  "Check the status of a background Valve server, including process state, liveness and readiness.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	pid, err := readPID()
	if err != nil {
		fmt.Println("Server is not running (no PID file found).")
		return nil
	}

	if !isProcessRunning(pid) {
		removePID()
		fmt.Println("Server is not running (stale PID file removed).")
		return nil
	}

	base := localAddr(viper.GetString("server.host"), viper.GetInt("server.port"))
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		fmt.Printf("Server process is running (PID %d) but not responding to HTTP.\n", pid)
		fmt.Printf("  Logs: %s\n", logFilePath())
		return nil
	}
	resp.Body.Close()

	ready := "unknown"
	if r, err := client.Get(base + "/readyz"); err == nil {
		r.Body.Close()
		ready = fmt.Sprintf("%d", r.StatusCode)
		if r.StatusCode == http.StatusOK {
			ready = "ready (200)"
		}
	}

	fmt.Printf("Server is running (PID %d)\n", pid)
	fmt.Printf("  Health:  %s/healthz (%d)\n", base, resp.StatusCode)
	fmt.Printf("  Ready:   %s\n", ready)
	fmt.Printf("  Logs:    %s\n", logFilePath())
	return nil
}
